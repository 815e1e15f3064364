package main

import (
	"flag"
	"log"

	"github.com/iot1/pldmagent/internal/config"
)

func main() {
	kind := flag.String("kind", "loopback", "config kind: loopback|tcp")
	output := flag.String("output", "cmd/pldmagentd/config.toml", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "cmd/pldmagentd/config.toml", "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		if _, err := config.LoadAgentConfig(*input); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated agent config at %s", *input)
		return
	}

	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, *output)
}
