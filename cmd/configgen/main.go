package main

import (
	"flag"
	"log"

	"github.com/danmuck/hwbinder/internal/config"
	"github.com/danmuck/hwbinder/internal/manifest"
)

func main() {
	kind := flag.String("kind", "servicemanager", "config kind: servicemanager|manifest")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	path := *output
	if *validate {
		path = *input
	}
	if path == "" {
		path = defaultPath(*kind)
	}

	if *validate {
		switch *kind {
		case "servicemanager":
			if _, err := config.Load(path); err != nil {
				log.Fatal(err)
			}
		case "manifest":
			if _, err := manifest.Load(path); err != nil {
				log.Fatal(err)
			}
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	if err := config.WriteTemplate(path, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s template to %s", *kind, path)
}

func defaultPath(kind string) string {
	switch kind {
	case "servicemanager":
		return "cmd/servicemanager/config.toml"
	case "manifest":
		return "cmd/servicemanager/manifest.yaml"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}
