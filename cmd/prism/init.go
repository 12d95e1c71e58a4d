package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

func initFlags(ko *koanf.Koanf) {
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}

	f.StringSlice("config", nil, "path to one or more config files (merged in order)")
	f.String("node.id", "", "identity of this query/view host (required)")
	f.StringSlice("transport.brokers", nil, "seed brokers for the change and result transports")
	f.String("port", "8080", "port to host the web server on")
	f.String("query.api", "", "base URL of the query snapshot API")
	f.String("store.backend", "badger", "store backend: badger, badger-memory or bolt")
	f.String("store.dir", "data", "data directory for file-backed store backends")
	f.Bool("dev", false, "human-readable console logging")
	f.String("log-file", "", "mirror log output to this file")
	f.Bool("version", false, "show current version of the build")

	if err := f.Parse(os.Args[1:]); err != nil {
		log.Fatal().Msgf("error loading flags: %v", err)
	}

	configs, _ := f.GetStringSlice("config")
	for _, cf := range configs {
		var parser koanf.Parser
		switch ext := cf[strings.LastIndex(cf, ".")+1:]; ext {
		case "yaml", "yml":
			parser = yaml.Parser()
		case "json":
			parser = json.Parser()
		default:
			log.Fatal().Msgf("unsupported config file extension on %q", cf)
		}
		log.Debug().Msgf("reading config from %s", cf)
		if err := ko.Load(file.Provider(cf), parser); err != nil {
			log.Fatal().Msgf("error reading config: %v", err)
		}
	}

	// Flags override file values.
	if err := ko.Load(posflag.Provider(f, ".", ko), nil); err != nil {
		log.Fatal().Msgf("error reading flag config: %v", err)
	}
}
