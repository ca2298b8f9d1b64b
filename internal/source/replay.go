package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// MessageFunc receives decoded messages from a replay reader in file order.
// Returning an error stops the replay.
type MessageFunc func(Message) error

// ReplayStats summarises one replay.
type ReplayStats struct {
	Records  int `json:"records"`  // lines or packets read
	Messages int `json:"messages"` // messages decoded and delivered
	Skipped  int `json:"skipped"`  // records that were not messages
}

const maxLineSize = 1 << 20

// ReadJSONL replays a line-delimited JSON log. Blank lines and '#' comments
// are skipped; undecodable lines are counted and skipped.
func ReadJSONL(ctx context.Context, r io.Reader, fn MessageFunc) (ReplayStats, error) {
	var stats ReplayStats
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scan.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Records++
		line := bytes.TrimSpace(scan.Bytes())
		if len(line) == 0 || line[0] == '#' {
			stats.Skipped++
			continue
		}
		m, err := Decode(line)
		if err != nil {
			stats.Skipped++
			logf("jsonl line %d: %v", stats.Records, err)
			continue
		}
		stats.Messages++
		if err := fn(m); err != nil {
			return stats, fmt.Errorf("line %d: %w", stats.Records, err)
		}
	}
	if err := scan.Err(); err != nil {
		return stats, fmt.Errorf("failed to read log: %w", err)
	}
	return stats, nil
}

// ReadJSONLFile opens path and replays it with ReadJSONL.
func ReadJSONLFile(ctx context.Context, path string, fn MessageFunc) (ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("failed to open log %s: %w", path, err)
	}
	defer f.Close()
	return ReadJSONL(ctx, f, fn)
}

// ReadPCAP replays a pcap capture, decoding the payload of every UDP
// datagram addressed to or from udpPort as one JSON message. A udpPort of
// zero accepts all UDP traffic.
func ReadPCAP(ctx context.Context, r io.Reader, udpPort int, fn MessageFunc) (ReplayStats, error) {
	var stats ReplayStats
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("failed to read pcap header: %w", err)
	}

	packetSource := gopacket.NewPacketSource(reader, reader.LinkType())
	packetSource.NoCopy = true

	for {
		if err := ctx.Err(); err != nil {
			logf("pcap replay stopping due to context cancellation (processed %d packets)", stats.Records)
			return stats, err
		}
		packet, err := packetSource.NextPacket()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read packet %d: %w", stats.Records+1, err)
		}
		stats.Records++

		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			stats.Skipped++
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok {
			stats.Skipped++
			continue
		}
		if udpPort != 0 && int(udp.DstPort) != udpPort && int(udp.SrcPort) != udpPort {
			stats.Skipped++
			continue
		}
		payload := bytes.TrimSpace(udp.Payload)
		if len(payload) == 0 {
			stats.Skipped++
			continue
		}

		m, err := Decode(payload)
		if err != nil {
			stats.Skipped++
			logf("pcap packet %d: %v", stats.Records, err)
			continue
		}
		stats.Messages++
		if err := fn(m); err != nil {
			return stats, fmt.Errorf("packet %d: %w", stats.Records, err)
		}
	}
}

// ReadPCAPFile opens path and replays it with ReadPCAP.
func ReadPCAPFile(ctx context.Context, path string, udpPort int, fn MessageFunc) (ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()
	return ReadPCAP(ctx, f, udpPort, fn)
}
