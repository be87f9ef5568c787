// Package kafka publishes completed flows to a Kafka topic as BSON
// documents, one message per flow.
package kafka

import (
	"fmt"
	"log"
	"net"

	"github.com/Shopify/sarama"
	"gopkg.in/mgo.v2/bson"

	"github.com/probelab/flowprobe/flows"
	"github.com/probelab/flowprobe/packet"
	"github.com/probelab/flowprobe/process/quic"
	"github.com/probelab/flowprobe/process/rtp"
)

// Exporter is an async Kafka producer for flow documents.
type Exporter struct {
	id       string
	topic    string
	producer sarama.AsyncProducer
}

// New connects to the given brokers.
func New(brokers []string, topic string) (*Exporter, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = false
	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("kafka output: %w", err)
	}
	e := &Exporter{id: "kafka|" + topic, topic: topic, producer: producer}
	go func() {
		for err := range producer.Errors() {
			log.Println("kafka output:", err)
		}
	}()
	return e, nil
}

func (e *Exporter) ID() string { return e.id }

// Export encodes one flow as BSON and queues it for production.
func (e *Exporter) Export(rec *flows.FlowRecord) error {
	alen := 4
	if rec.IPVersion == packet.IPv6 {
		alen = 16
	}
	doc := bson.M{
		"src_ip":        net.IP(rec.SrcIP[:alen]).String(),
		"dst_ip":        net.IP(rec.DstIP[:alen]).String(),
		"src_port":      rec.SrcPort,
		"dst_port":      rec.DstPort,
		"protocol":      rec.Proto,
		"time_first":    rec.TimeFirst.Sec*1000000 + rec.TimeFirst.Usec,
		"time_last":     rec.TimeLast.Sec*1000000 + rec.TimeLast.Usec,
		"packets":       rec.SrcPackets,
		"bytes":         rec.SrcBytes,
		"packets_rev":   rec.DstPackets,
		"bytes_rev":     rec.DstBytes,
		"tcp_flags":     rec.SrcTCPFlags,
		"tcp_flags_rev": rec.DstTCPFlags,
		"end_reason":    rec.EndReason.String(),
	}
	rec.Extensions(func(_ int, ext flows.Extension) {
		switch v := ext.(type) {
		case *quic.RecordExt:
			doc["quic_version"] = v.Version
			doc["quic_sni"] = v.SNI
			doc["quic_user_agent"] = v.UserAgent
		case *rtp.RecordExt:
			doc["rtp_packets_src"] = v.RTP[0]
			doc["rtp_packets_dst"] = v.RTP[1]
		}
	})
	value, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	e.producer.Input() <- &sarama.ProducerMessage{
		Topic: e.topic,
		Value: sarama.ByteEncoder(value),
	}
	return nil
}

// Finish shuts the producer down, draining queued messages.
func (e *Exporter) Finish() error {
	e.producer.AsyncClose()
	return nil
}
