package audio

import (
	"math"
	"testing"
)

func TestEncodeWAV(t *testing.T) {
	// Generate test audio samples (440Hz sine wave for 0.1 seconds at 48kHz)
	sampleRate := 48000
	duration := 0.1   // 0.1 seconds
	frequency := 440.0 // 440Hz (A4 note)

	numSamples := int(float64(sampleRate) * duration)
	samples := make([]int16, numSamples)

	for i := 0; i < numSamples; i++ {
		// Generate sine wave
		at := float64(i) / float64(sampleRate)
		amplitude := 16383.0 // Half of max int16 to avoid clipping
		sample := amplitude * math.Sin(2*math.Pi*frequency*at)
		samples[i] = int16(sample)
	}

	// Encode to WAV (mono)
	wavData, err := EncodeWAV(pcmBytes(samples), sampleRate, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	// Check that we got some data
	if len(wavData) == 0 {
		t.Fatal("WAV data is empty")
	}

	// WAV header should be 44 bytes
	expectedSize := 44 + len(samples)*2
	if len(wavData) != expectedSize {
		t.Errorf("Expected WAV size %d, got %d", expectedSize, len(wavData))
	}

	// Validate WAV format
	if err := ValidateWAV(wavData); err != nil {
		t.Errorf("Generated WAV is invalid: %v", err)
	}

	// Check WAV info
	info, err := GetWAVInfo(wavData)
	if err != nil {
		t.Errorf("Failed to get WAV info: %v", err)
	}

	if info.SampleRate != uint32(sampleRate) {
		t.Errorf("Expected sample rate %d, got %d", sampleRate, info.SampleRate)
	}

	if info.Channels != 1 {
		t.Errorf("Expected 1 channel, got %d", info.Channels)
	}

	if info.BitsPerSample != 16 {
		t.Errorf("Expected 16 bits per sample, got %d", info.BitsPerSample)
	}

	expectedDuration := float64(numSamples) / float64(sampleRate)
	if math.Abs(info.Duration-expectedDuration) > 0.001 {
		t.Errorf("Expected duration %.3f, got %.3f", expectedDuration, info.Duration)
	}
}

func TestEncodeWAVStereo(t *testing.T) {
	sampleRate := 48000

	// 100 interleaved stereo frames
	samples := make([]int16, 200)
	for i := range samples {
		samples[i] = int16(i)
	}

	wavData, err := EncodeWAV(pcmBytes(samples), sampleRate, 2)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	info, err := GetWAVInfo(wavData)
	if err != nil {
		t.Fatalf("Failed to get WAV info: %v", err)
	}

	if info.Channels != 2 {
		t.Errorf("Expected 2 channels, got %d", info.Channels)
	}

	if info.NumFrames != 100 {
		t.Errorf("Expected 100 frames, got %d", info.NumFrames)
	}

	expectedDuration := 100.0 / float64(sampleRate)
	if math.Abs(info.Duration-expectedDuration) > 0.0001 {
		t.Errorf("Expected duration %.5f, got %.5f", expectedDuration, info.Duration)
	}
}

func TestDecodeWAV(t *testing.T) {
	// Create test samples
	originalSamples := []int16{100, -200, 300, -400, 500, -600}
	sampleRate := 48000

	// Encode to WAV (stereo: 3 frames)
	wavData, err := EncodeWAV(pcmBytes(originalSamples), sampleRate, 2)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	// Decode back to raw PCM
	decoded, decodedSampleRate, decodedChannels, err := DecodeWAV(wavData)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	// Check format
	if decodedSampleRate != sampleRate {
		t.Errorf("Expected sample rate %d, got %d", sampleRate, decodedSampleRate)
	}

	if decodedChannels != 2 {
		t.Errorf("Expected 2 channels, got %d", decodedChannels)
	}

	// Check data matches
	original := pcmBytes(originalSamples)
	if len(decoded) != len(original) {
		t.Fatalf("Expected %d bytes, got %d", len(original), len(decoded))
	}

	for i := range original {
		if decoded[i] != original[i] {
			t.Errorf("Byte %d: expected %d, got %d", i, original[i], decoded[i])
		}
	}
}

func TestEncodeWAVEmpty(t *testing.T) {
	// Test with empty data
	_, err := EncodeWAV([]byte{}, 48000, 1)
	if err == nil {
		t.Error("Expected error for empty audio data")
	}
}

func TestEncodeWAVInvalidSampleRate(t *testing.T) {
	// Test with invalid sample rate
	data := pcmBytes([]int16{100, 200, 300})
	_, err := EncodeWAV(data, 0, 1)
	if err == nil {
		t.Error("Expected error for zero sample rate")
	}

	_, err = EncodeWAV(data, -1000, 1)
	if err == nil {
		t.Error("Expected error for negative sample rate")
	}
}

func TestEncodeWAVInvalidChannels(t *testing.T) {
	data := pcmBytes([]int16{100, 200, 300, 400})

	_, err := EncodeWAV(data, 48000, 0)
	if err == nil {
		t.Error("Expected error for zero channels")
	}

	_, err = EncodeWAV(data, 48000, 5)
	if err == nil {
		t.Error("Expected error for five channels")
	}
}

func TestEncodeWAVUnalignedData(t *testing.T) {
	// 6 bytes is not aligned to a 4-byte stereo frame
	_, err := EncodeWAV([]byte{1, 2, 3, 4, 5, 6}, 48000, 2)
	if err == nil {
		t.Error("Expected error for unaligned stereo data")
	}
}

func TestValidateWAV(t *testing.T) {
	// Test with too short data
	err := ValidateWAV([]byte{1, 2, 3})
	if err == nil {
		t.Error("Expected error for too short WAV data")
	}

	// Test with invalid header
	invalidWAV := make([]byte, 50)
	copy(invalidWAV[0:4], []byte("FAKE"))
	err = ValidateWAV(invalidWAV)
	if err == nil {
		t.Error("Expected error for invalid RIFF header")
	}
}

func TestGetWAVDuration(t *testing.T) {
	// Create 1 second of stereo audio at 48kHz
	sampleRate := 48000
	samples := make([]int16, sampleRate*2) // 1 second interleaved
	for i := range samples {
		samples[i] = int16(i % 1000)
	}

	wavData, err := EncodeWAV(pcmBytes(samples), sampleRate, 2)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	duration, err := GetWAVDuration(wavData)
	if err != nil {
		t.Fatalf("GetWAVDuration failed: %v", err)
	}

	expectedDuration := 1.0 // 1 second
	if math.Abs(duration-expectedDuration) > 0.001 {
		t.Errorf("Expected duration %.3f, got %.3f", expectedDuration, duration)
	}
}

// pcmBytes converts samples to little-endian PCM bytes
func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}
