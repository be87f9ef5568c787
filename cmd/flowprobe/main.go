// Command flowprobe runs one exporter pipeline driven by a YAML
// configuration file.
package main

import (
	"io"
	"log"
	"os"

	"github.com/probelab/flowprobe/config"
	"github.com/probelab/flowprobe/flows"
	"github.com/probelab/flowprobe/output"
	"github.com/probelab/flowprobe/output/csv"
	"github.com/probelab/flowprobe/output/ipfix"
	"github.com/probelab/flowprobe/output/kafka"
	"github.com/probelab/flowprobe/output/natsio"
	"github.com/probelab/flowprobe/pipeline"
	"github.com/probelab/flowprobe/process/basic"
	"github.com/probelab/flowprobe/process/quic"
	"github.com/probelab/flowprobe/process/rtp"
)

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("usage: %s config.yaml", os.Args[0])
	}
	cfg, err := config.Load(os.Args[1])
	if err != nil {
		log.Fatal(err)
	}

	src, err := pipeline.NewPcapFileSource(cfg.Input.Pcap)
	if err != nil {
		log.Fatal(err)
	}

	plugins, err := buildPlugins(cfg)
	if err != nil {
		log.Fatal(err)
	}

	outputs, err := buildOutputs(cfg)
	if err != nil {
		log.Fatal(err)
	}

	p, err := pipeline.New(src, cfg.CacheOptions(), plugins, outputs, pipeline.Config{
		InputQueueSize:  cfg.Input.QueueSize,
		OutputQueueSize: cfg.Output.QueueSize,
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := p.Run(); err != nil {
		log.Fatal(err)
	}

	stats := p.Cache().Stats()
	log.Printf("flows: hits=%d new=%d expired=%d flushed=%d",
		stats.Hits, stats.Empty, stats.Expired, stats.Flushed)
}

func buildPlugins(cfg *config.Config) ([]flows.ProcessPlugin, error) {
	var plugins []flows.ProcessPlugin
	var rtpPlugin *rtp.Plugin
	for _, name := range cfg.Process.Plugins {
		switch name {
		case "basicplus":
			plugins = append(plugins, basic.NewPlugin())
		case "rtp":
			rtpPlugin = rtp.NewPlugin()
			plugins = append(plugins, rtpPlugin)
		case "rtp-exporter":
			if rtpPlugin == nil {
				log.Fatal("rtp-exporter requires the rtp plugin to be enabled first")
			}
			var out io.Writer = os.Stdout
			if cfg.Process.RTPExportFile != "" {
				f, err := os.Create(cfg.Process.RTPExportFile)
				if err != nil {
					return nil, err
				}
				out = f
			}
			plugins = append(plugins, rtp.NewExporterPlugin(rtpPlugin, out))
		case "quic":
			plugins = append(plugins, quic.NewPlugin())
		}
	}
	return plugins, nil
}

func buildOutputs(cfg *config.Config) ([]output.Plugin, error) {
	var outputs []output.Plugin
	if cfg.Output.IPFIX != "" {
		e, err := ipfix.New(cfg.Output.IPFIX)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, e)
	}
	if cfg.Output.CSV != "" {
		e, err := csv.New(cfg.Output.CSV)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, e)
	}
	if cfg.Output.Kafka != nil {
		e, err := kafka.New(cfg.Output.Kafka.Brokers, cfg.Output.Kafka.Topic)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, e)
	}
	if cfg.Output.NATS != nil {
		e, err := natsio.New(cfg.Output.NATS.URL, cfg.Output.NATS.Subject)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, e)
	}
	return outputs, nil
}
