package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/capturelab/voicemix/internal/protocol"
)

const (
	sampleRate = 48000
	channels   = 2
	frameDur   = 50 * time.Millisecond
)

func buildAnnouncePacket(targetID, speakerID uint64, targetName, speakerName string) []byte {
	packet := make([]byte, protocol.HeaderSize+protocol.AnnouncePayloadSize)
	packet[0] = protocol.PacketTypeAnnounce
	binary.BigEndian.PutUint16(packet[1:3], uint16(len(packet)))
	binary.BigEndian.PutUint64(packet[3:11], targetID)
	binary.BigEndian.PutUint64(packet[11:19], speakerID)
	copy(packet[protocol.HeaderSize:protocol.HeaderSize+protocol.TargetNameSize], targetName)
	copy(packet[protocol.HeaderSize+protocol.TargetNameSize:], speakerName)
	binary.BigEndian.PutUint32(packet[len(packet)-protocol.TimestampSize:], uint32(time.Now().Unix()))
	return packet
}

func buildAudioPacket(targetID, speakerID uint64, sequence uint32, captureMono int64, frame []byte) []byte {
	packet := make([]byte, protocol.HeaderSize+protocol.AudioPayloadHeaderSize+len(frame))
	packet[0] = protocol.PacketTypeAudio
	binary.BigEndian.PutUint16(packet[1:3], uint16(len(packet)))
	binary.BigEndian.PutUint64(packet[3:11], targetID)
	binary.BigEndian.PutUint64(packet[11:19], speakerID)
	packet[19] = protocol.CodecPCM
	binary.BigEndian.PutUint32(packet[20:24], sequence)
	binary.BigEndian.PutUint64(packet[24:32], uint64(captureMono))
	copy(packet[32:], frame)
	return packet
}

// toneFrame renders one 50 ms stereo PCM frame of a sine tone, with the
// phase continued across frames so the result is a clean continuous note
func toneFrame(freq int, frameIndex int) []byte {
	samplesPerFrame := sampleRate * int(frameDur.Milliseconds()) / 1000
	frame := make([]byte, samplesPerFrame*channels*2)

	for n := 0; n < samplesPerFrame; n++ {
		t := float64(frameIndex*samplesPerFrame+n) / sampleRate
		sample := int16(8000 * math.Sin(2*math.Pi*float64(freq)*t))
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(frame[(n*channels+c)*2:], uint16(sample))
		}
	}

	return frame
}

func startSession(api string, targetID uint64, epoch int64) error {
	body, _ := json.Marshal(map[string]interface{}{
		"target_id":   targetID,
		"target_name": "Test Voice",
		"epoch_mono":  epoch,
	})

	resp, err := http.Post(api+"/sessions/start", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, detail)
	}
	return nil
}

func stopSession(api string, targetID uint64) (string, error) {
	body, _ := json.Marshal(map[string]interface{}{"target_id": targetID})

	resp, err := http.Post(api+"/sessions/stop", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, raw)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw), nil
	}
	return pretty.String(), nil
}

func main() {
	var (
		udpAddr  = flag.String("udp", "127.0.0.1:4444", "UDP ingest address")
		apiAddr  = flag.String("api", "http://127.0.0.1:8080", "HTTP API base URL")
		targetID = flag.Uint64("target", 100, "Target ID to record")
		speakers = flag.Int("speakers", 2, "Number of simulated speakers")
		seconds  = flag.Int("seconds", 3, "Seconds of audio per speaker")
	)
	flag.Parse()

	conn, err := net.Dial("udp", *udpAddr)
	if err != nil {
		log.Fatalf("Failed to dial UDP: %v", err)
	}
	defer conn.Close()

	epoch := time.Now().UnixNano()

	log.Printf("🚀 Starting recording session for target %d via %s", *targetID, *apiAddr)
	if err := startSession(*apiAddr, *targetID, epoch); err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}

	// Announce display names for every simulated speaker
	for i := 0; i < *speakers; i++ {
		speakerID := uint64(i + 1)
		packet := buildAnnouncePacket(*targetID, speakerID, "Test Voice", fmt.Sprintf("speaker-%d", speakerID))
		if _, err := conn.Write(packet); err != nil {
			log.Fatalf("Failed to send announce: %v", err)
		}
	}

	// Stream tone frames in real time, each speaker at its own pitch and
	// joining half a second after the previous one
	frames := int(time.Duration(*seconds) * time.Second / frameDur)
	sent := 0
	for f := 0; f < frames; f++ {
		for i := 0; i < *speakers; i++ {
			speakerID := uint64(i + 1)
			stagger := time.Duration(i) * 500 * time.Millisecond
			capture := epoch + stagger.Nanoseconds() + int64(f)*frameDur.Nanoseconds()

			packet := buildAudioPacket(*targetID, speakerID, uint32(f+1), capture, toneFrame(220+110*i, f))
			if _, err := conn.Write(packet); err != nil {
				log.Fatalf("Failed to send frame: %v", err)
			}
			sent++
		}
		time.Sleep(frameDur)
	}
	log.Printf("📡 Sent %d audio frames for %d speakers", sent, *speakers)

	artifacts, err := stopSession(*apiAddr, *targetID)
	if err != nil {
		log.Fatalf("Failed to stop session: %v", err)
	}

	log.Printf("✅ Session finalized:\n%s", artifacts)
}
