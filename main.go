package main

import (
	"log"

	"github.com/anoixa/imagestore/cmd"
	"github.com/anoixa/imagestore/config"
)

func main() {
	log.Printf("imagestore %s (%s)", config.Version, config.CommitHash)
	cmd.Execute()
}
