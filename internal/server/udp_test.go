package server

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/capturelab/voicemix/internal/config"
	"github.com/capturelab/voicemix/internal/metrics"
	"github.com/capturelab/voicemix/internal/mixdown"
	"github.com/capturelab/voicemix/internal/output"
	"github.com/capturelab/voicemix/internal/protocol"
	"github.com/capturelab/voicemix/internal/session"
)

// Prometheus collectors register globally, so all server tests share one
// metrics instance
var testMetrics = metrics.NewMetrics()

// stubMixer writes a placeholder output file, standing in for ffmpeg
type stubMixer struct {
	err error
}

func (s *stubMixer) Mix(ctx context.Context, req mixdown.Request) error {
	if s.err != nil {
		return s.err
	}
	return os.WriteFile(req.Output, []byte("mixed"), 0644)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newSessionManager(t *testing.T, mixer mixdown.Mixer, cfg session.ManagerConfig) *session.Manager {
	t.Helper()

	logger := testLogger()
	assembler := output.NewAssembler(t.TempDir(), logger)
	return session.NewManager(logger, testMetrics, mixer, assembler, cfg)
}

func testServerConfig() *config.ServerConfig {
	return &config.ServerConfig{
		UDPPort:               0, // Ephemeral port for tests
		BindAddress:           "127.0.0.1",
		BufferSize:            65536,
		MaxConcurrentSessions: 10,
	}
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

func testRemoteAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

// waitFor polls cond until it returns true or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestHandlePacketAudio(t *testing.T) {
	mgr := newSessionManager(t, &stubMixer{}, session.ManagerConfig{SaveIndividual: true})
	defer mgr.Shutdown(context.Background())

	if _, err := mgr.Start(100, "", 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	server := NewUDPServer(testServerConfig(), testLogger(), mgr, testMetrics)

	frame := make([]byte, 9600)
	packet := buildAudioPacket(100, 1, 1, 1_000_000_000, frame)
	server.handlePacket(&incomingPacket{data: packet, remoteAddr: testRemoteAddr(), timestamp: time.Now()}, 0)

	sess, exists := mgr.GetSession(100)
	if !exists {
		t.Fatal("Expected active session")
	}

	info := sess.Snapshot()
	if info.FramesIngested != 1 {
		t.Errorf("Expected 1 ingested frame, got %d", info.FramesIngested)
	}
	if len(info.Speakers) != 1 {
		t.Fatalf("Expected 1 speaker, got %d", len(info.Speakers))
	}
	if info.Speakers[0].SpeakerID != 1 {
		t.Errorf("Expected speaker 1, got %d", info.Speakers[0].SpeakerID)
	}

	stats := server.GetStatistics()
	if stats.PacketsProcessed != 1 {
		t.Errorf("Expected 1 processed packet, got %d", stats.PacketsProcessed)
	}
	if stats.ParseErrors != 0 {
		t.Errorf("Expected 0 parse errors, got %d", stats.ParseErrors)
	}
}

func TestHandlePacketAnnounce(t *testing.T) {
	mgr := newSessionManager(t, &stubMixer{}, session.ManagerConfig{SaveIndividual: true})
	defer mgr.Shutdown(context.Background())

	if _, err := mgr.Start(100, "", 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	server := NewUDPServer(testServerConfig(), testLogger(), mgr, testMetrics)

	packet := buildAnnouncePacket(100, 1, "General Voice", "alice")
	server.handlePacket(&incomingPacket{data: packet, remoteAddr: testRemoteAddr(), timestamp: time.Now()}, 0)

	sess, exists := mgr.GetSession(100)
	if !exists {
		t.Fatal("Expected active session")
	}
	if sess.TargetName() != "General Voice" {
		t.Errorf("Expected target name 'General Voice', got '%s'", sess.TargetName())
	}
	if sess.SpeakerName(1) != "alice" {
		t.Errorf("Expected speaker name 'alice', got '%s'", sess.SpeakerName(1))
	}
}

func TestHandlePacketInvalid(t *testing.T) {
	tests := []struct {
		name string
		data func() []byte
	}{
		{
			name: "too short",
			data: func() []byte { return []byte{0x02, 0x00, 0x05} },
		},
		{
			name: "length mismatch",
			data: func() []byte {
				packet := buildAudioPacket(100, 1, 1, 0, make([]byte, 100))
				binary.BigEndian.PutUint16(packet[1:3], uint16(len(packet)+7))
				return packet
			},
		},
		{
			name: "unknown packet type",
			data: func() []byte {
				packet := buildAudioPacket(100, 1, 1, 0, make([]byte, 100))
				packet[0] = 0x7F
				return packet
			},
		},
		{
			name: "audio without speaker",
			data: func() []byte { return buildAudioPacket(100, 0, 1, 0, make([]byte, 100)) },
		},
		{
			name: "invalid codec",
			data: func() []byte {
				packet := buildAudioPacket(100, 1, 1, 0, make([]byte, 100))
				packet[19] = 0x09
				return packet
			},
		},
	}

	mgr := newSessionManager(t, &stubMixer{}, session.ManagerConfig{SaveIndividual: true})
	defer mgr.Shutdown(context.Background())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewUDPServer(testServerConfig(), testLogger(), mgr, testMetrics)
			server.handlePacket(&incomingPacket{data: tt.data(), remoteAddr: testRemoteAddr(), timestamp: time.Now()}, 0)

			stats := server.GetStatistics()
			if stats.ParseErrors != 1 {
				t.Errorf("Expected 1 parse error, got %d", stats.ParseErrors)
			}
			if stats.PacketsProcessed != 0 {
				t.Errorf("Expected 0 processed packets, got %d", stats.PacketsProcessed)
			}
		})
	}
}

func TestServerLifecycle(t *testing.T) {
	mgr := newSessionManager(t, &stubMixer{}, session.ManagerConfig{SaveIndividual: true})
	defer mgr.Shutdown(context.Background())

	if _, err := mgr.Start(100, "", 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	server := NewUDPServer(testServerConfig(), testLogger(), mgr, testMetrics)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start UDP server: %v", err)
	}

	addr := server.conn.LocalAddr().(*net.UDPAddr)
	client, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("Failed to dial UDP server: %v", err)
	}
	defer client.Close()

	if _, err := client.Write(buildAnnouncePacket(100, 1, "General", "alice")); err != nil {
		t.Fatalf("Failed to send announce: %v", err)
	}

	frame := make([]byte, 9600)
	step := (50 * time.Millisecond).Nanoseconds()
	for i := 0; i < 3; i++ {
		packet := buildAudioPacket(100, 1, uint32(i+1), 1_000_000_000+int64(i)*step, frame)
		if _, err := client.Write(packet); err != nil {
			t.Fatalf("Failed to send frame: %v", err)
		}
	}

	ingested := waitFor(t, 2*time.Second, func() bool {
		sess, exists := mgr.GetSession(100)
		if !exists {
			return false
		}
		return sess.Snapshot().FramesIngested == 3
	})
	if !ingested {
		sess, _ := mgr.GetSession(100)
		t.Fatalf("Expected 3 ingested frames, got %d", sess.Snapshot().FramesIngested)
	}

	sess, _ := mgr.GetSession(100)
	if sess.SpeakerName(1) != "alice" {
		t.Errorf("Expected speaker name 'alice', got '%s'", sess.SpeakerName(1))
	}

	if err := server.Stop(); err != nil {
		t.Errorf("Failed to stop UDP server: %v", err)
	}

	stats := server.GetStatistics()
	if stats.PacketsReceived < 4 {
		t.Errorf("Expected at least 4 received packets, got %d", stats.PacketsReceived)
	}
	if stats.PacketsProcessed < 4 {
		t.Errorf("Expected at least 4 processed packets, got %d", stats.PacketsProcessed)
	}
}

func TestGetStatisticsDefaults(t *testing.T) {
	mgr := newSessionManager(t, &stubMixer{}, session.ManagerConfig{SaveIndividual: true})
	defer mgr.Shutdown(context.Background())

	server := NewUDPServer(testServerConfig(), testLogger(), mgr, testMetrics)

	stats := server.GetStatistics()
	if stats.QueueCapacity != 1000 {
		t.Errorf("Expected queue capacity 1000, got %d", stats.QueueCapacity)
	}
	if stats.QueueSize != 0 {
		t.Errorf("Expected empty queue, got %d", stats.QueueSize)
	}
	if stats.ActiveSessions != 0 {
		t.Errorf("Expected 0 active sessions, got %d", stats.ActiveSessions)
	}
}
