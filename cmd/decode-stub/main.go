// Command decode-stub is a local stand-in for the reconstruction service.
// It validates posted envelopes, rebuilds a coarse waveform from the codes
// and serves the result as WAV under /download/.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Teo-Te/niv-task/internal/audio"
	"github.com/Teo-Te/niv-task/internal/payload"
	"github.com/Teo-Te/niv-task/internal/transport"
)

type stub struct {
	outDir       string
	hopLength    int
	delay        time.Duration
	maxBodyBytes int64
	logger       *slog.Logger
}

func (s *stub) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/decode", s.handleDecode)
	mux.HandleFunc("/download/", s.handleDownload)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *stub) handleDecode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req transport.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeDetail(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
			return
		}
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if len(req.EncodedData) != 1 {
		writeDetail(w, http.StatusUnprocessableEntity, fmt.Sprintf("expected one envelope, got %d", len(req.EncodedData)))
		return
	}
	env := req.EncodedData[0]

	s.logger.Info("Reconstruction request received",
		slog.String("encoding_method", env.EncodingMethod),
		slog.Int("chunks", env.NumChunks),
		slog.Int("total_samples", env.TotalSamples),
		slog.Int("sample_rate", env.SampleRate),
	)

	// Simulate processing time
	time.Sleep(s.delay)

	samples, err := payload.Reassemble(r.Context(), env, s.decodeChunk)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	wav, err := audio.EncodeWAV(samples, env.SampleRate)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	filename := uuid.NewString() + ".wav"
	if err := os.WriteFile(filepath.Join(s.outDir, filename), wav, 0644); err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transport.Result{
		Message:     fmt.Sprintf("Successfully decoded %d chunks", env.NumChunks),
		DownloadURL: "/download/" + filename,
		Status:      "success",
		Filename:    filename,
		TotalChunks: env.NumChunks,
		SampleRate:  env.SampleRate,
	})

	s.logger.Info("Reconstruction response sent",
		slog.String("filename", filename),
		slog.Int("samples", len(samples)),
	)
}

// decodeChunk holds the first codebook's level for hopLength samples per time step
func (s *stub) decodeChunk(ctx context.Context, record *payload.CodeRecord) ([]float32, error) {
	tensor, err := record.Tensor()
	if err != nil {
		return nil, err
	}

	steps := tensor[0][0]
	out := make([]float32, 0, len(steps)*s.hopLength)
	for _, code := range steps {
		level := float32(code) / payload.MaxCodebookIndex * record.Scale
		for i := 0; i < s.hopLength; i++ {
			out = append(out, level)
		}
	}
	return out, nil
}

func (s *stub) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(strings.TrimPrefix(r.URL.Path, "/download/"))
	if name == "." || name == "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	http.ServeFile(w, r, filepath.Join(s.outDir, name))
}

func (s *stub) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "decode_server"})
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	outDir := flag.String("out", os.TempDir(), "Directory for reconstructed WAV files")
	hop := flag.Int("hop", 320, "Samples per code time step")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	maxBody := flag.Int64("max-body", 256<<20, "Maximum /decode request body in bytes")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	s := &stub{outDir: *outDir, hopLength: *hop, delay: *delay, maxBodyBytes: *maxBody, logger: logger}

	logger.Info("Decode stub starting",
		slog.String("address", *addr),
		slog.String("endpoint", fmt.Sprintf("http://localhost%s/decode", *addr)),
		slog.String("output_dir", *outDir),
	)

	if err := http.ListenAndServe(*addr, s.routes()); err != nil {
		logger.Error("Server failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
