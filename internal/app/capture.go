package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"path/filepath"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/ar_pipeline/internal/calib"
	"github.com/relabs-tech/ar_pipeline/internal/capture"
	"github.com/relabs-tech/ar_pipeline/internal/config"
	"github.com/relabs-tech/ar_pipeline/internal/envmap"
	"github.com/relabs-tech/ar_pipeline/internal/envstore"
	"github.com/relabs-tech/ar_pipeline/internal/geotag"
	"github.com/relabs-tech/ar_pipeline/internal/lightprobe"
)

// LightsMessage is the light-probe result as published over MQTT.
type LightsMessage struct {
	Session string            `json:"session"`
	Method  string            `json:"method"`
	Lights  []lightprobe.Light `json:"lights"`
	Time    string            `json:"time"`
}

// CaptureProgressMessage mirrors the builder's progress reports onto the
// capture topic so the web UI can show a bar.
type CaptureProgressMessage struct {
	Stage    string  `json:"stage"`
	Fraction float64 `json:"fraction"`
	Views    int     `json:"views,omitempty"`
}

// mockCaptureSteps is the sweep length used when no recorded session is
// being replayed.
const mockCaptureSteps = 24

// RunCapture drives one capture session end to end: drain the capture
// source through the environment builder, composite the HDR panorama,
// persist the session, extract the light probe and publish it.
func RunCapture() error {
	cfg := config.Get()

	params, err := calib.Load(cfg.CalibrationFile)
	if err != nil {
		return err
	}

	src, err := newCaptureSource(cfg)
	if err != nil {
		return err
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDCapture)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	log.Printf("capture: connected to MQTT broker at %s", cfg.MQTTBroker)

	// The latest valid GPS fix geotags the finished session.
	var (
		fixMu   sync.Mutex
		lastFix geotag.Fix
		haveFix bool
	)
	token := client.Subscribe(cfg.TopicGPS, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var f geotag.Fix
		if err := json.Unmarshal(msg.Payload(), &f); err != nil {
			log.Printf("capture: GPS payload unmarshal error: %v", err)
			return
		}
		if !f.Valid() {
			return
		}
		fixMu.Lock()
		lastFix = f
		haveFix = true
		fixMu.Unlock()
	})
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}

	builder := envmap.NewBuilder(envmap.Config{
		Width:  cfg.EnvmapWidth,
		Height: cfg.EnvmapHeight,
		Calib:  params,
	})

	var firstBatch capture.Batch
	for {
		batch, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("capture: source: %w", err)
		}
		if err := builder.AddFrames(batch); err != nil {
			switch {
			case errors.Is(err, envmap.ErrBlurry),
				errors.Is(err, envmap.ErrNotEnoughFeatures),
				errors.Is(err, envmap.ErrNoPairwiseMatches),
				errors.Is(err, envmap.ErrNoGlobalMatches):
				log.Printf("capture: batch rejected: %v", err)
				continue
			default:
				return err
			}
		}
		if firstBatch == nil {
			firstBatch = batch
		}
		log.Printf("capture: accepted view %d", builder.Views())
	}
	log.Printf("capture: %d views accepted", builder.Views())

	// Mirror composite progress onto the capture topic.
	progress := make(chan envmap.Progress, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range progress {
			log.Printf("capture: %s %.0f%%", p.Stage, p.Fraction*100)
			payload, err := json.Marshal(CaptureProgressMessage{
				Stage:    p.Stage,
				Fraction: p.Fraction,
				Views:    builder.Views(),
			})
			if err != nil {
				continue
			}
			client.Publish(cfg.TopicCapture, 0, false, payload)
		}
	}()

	result, err := builder.Composite(context.Background(), progress)
	close(progress)
	<-done
	if err != nil {
		return err
	}

	// Persist the session.
	name := time.Now().Format("session_20060102_150405")
	store, err := envstore.Open(filepath.Join(cfg.SessionDir, name))
	if err != nil {
		return err
	}
	if err := store.SaveHDR(result.HDR); err != nil {
		return err
	}

	manifest := envstore.Manifest{Name: name}
	if entries, err := saveExposurePreviews(store, firstBatch); err != nil {
		log.Printf("capture: WARNING: exposure previews not saved: %v", err)
	} else {
		manifest.Images = entries
	}
	fixMu.Lock()
	if haveFix {
		manifest.Location = &envstore.Location{
			Latitude:  lastFix.Latitude,
			Longitude: lastFix.Longitude,
			Altitude:  lastFix.Altitude,
		}
	}
	fixMu.Unlock()
	if err := store.SaveManifest(manifest); err != nil {
		return err
	}
	log.Printf("capture: session saved to %s", store.Dir())

	// Extract and publish the light probe.
	lights := extractLights(result.HDR, cfg.ProbeMethod, cfg.ProbeLevels)
	msg := LightsMessage{
		Session: name,
		Method:  cfg.ProbeMethod,
		Lights:  lights,
		Time:    time.Now().Format(time.RFC3339),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("capture: lights marshal: %w", err)
	}
	if token := client.Publish(cfg.TopicLights, 0, true, payload); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	log.Printf("capture: published %d lights (%s)", len(lights), cfg.ProbeMethod)
	return nil
}

// newCaptureSource builds the configured camera source: a recorded
// session replay, or the synthetic sweep.
func newCaptureSource(cfg *config.Config) (capture.Source, error) {
	if cfg.CaptureSource == "replay" {
		src, err := capture.NewReplaySource(cfg.CaptureReplayDir)
		if err != nil {
			return nil, err
		}
		log.Printf("capture: replaying session from %s", cfg.CaptureReplayDir)
		return src, nil
	}
	log.Println("capture: using mock capture source")
	return capture.NewMockSource(mockCaptureSteps, cfg.FrameWidth, cfg.FrameHeight), nil
}

// extractLights runs the configured probe extraction over the panorama.
func extractLights(hdr *envmap.Radiance, method string, levels int) []lightprobe.Light {
	if method == "variance" {
		return lightprobe.VarianceCut(hdr, levels)
	}
	return lightprobe.MedianCut(hdr, levels)
}

// saveExposurePreviews stores one preview per bracket exposure, taken
// from the first accepted batch.
func saveExposurePreviews(store *envstore.Store, batch capture.Batch) (map[string]envstore.ImageEntry, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("no accepted batch to preview")
	}
	exposures := make([]float64, len(batch))
	imgs := make([]image.Image, len(batch))
	for i, f := range batch {
		exposures[i] = f.Exposure
		imgs[i] = f.Image
	}
	return store.SaveExposures(exposures, imgs)
}
