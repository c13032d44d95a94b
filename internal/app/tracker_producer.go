package app

import (
	"encoding/json"
	"image"
	"image/draw"
	"io"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/ar_pipeline/internal/calib"
	"github.com/relabs-tech/ar_pipeline/internal/capture"
	"github.com/relabs-tech/ar_pipeline/internal/config"
	"github.com/relabs-tech/ar_pipeline/internal/sensors"
	"github.com/relabs-tech/ar_pipeline/internal/tracker"
	"github.com/relabs-tech/ar_pipeline/internal/vision"
)

// frameInterval paces the camera loop at roughly 30 fps.
const frameInterval = 33 * time.Millisecond

// PoseMessage is the tracked pose as published over MQTT: the fused
// orientation and position plus the render-ready matrices.
type PoseMessage struct {
	Qw       float64     `json:"qw"`
	Qx       float64     `json:"qx"`
	Qy       float64     `json:"qy"`
	Qz       float64     `json:"qz"`
	Position [3]float64  `json:"position"`
	View     [16]float64 `json:"view"`
	Proj     [16]float64 `json:"proj"`
	Time     string      `json:"time"`
}

// DebugMessage carries filter internals for the debug stream.
type DebugMessage struct {
	State           string  `json:"state"`
	Frames          int64   `json:"frames"`
	Detected        int64   `json:"detected"`
	Rejected        int64   `json:"rejected"`
	CovarianceTrace float64 `json:"covariance_trace"`
	Time            string  `json:"time"`
}

// RunTrackerProducer fuses IMU motion and camera marker detections into
// the pose filter and publishes poses over MQTT. When the IMU is
// unavailable it falls back to the mock motion source so the rest of
// the pipeline keeps working.
func RunTrackerProducer() error {
	log.Println("tracker: starting pose producer")

	cfg := config.Get()

	params, err := calib.Load(cfg.CalibrationFile)
	if err != nil {
		return err
	}

	var src sensors.MotionSource
	imuManager := sensors.GetIMUManager()
	if err := imuManager.Init(); err != nil {
		log.Printf("tracker: WARNING: IMU init failed (%v), using mock motion source", err)
		src = sensors.NewMockMotionSource()
	} else {
		src, err = sensors.NewIMUMotionSource(imuManager)
		if err != nil {
			return err
		}
		log.Println("tracker: using IMU motion source")
	}

	tcfg := tracker.DefaultConfig(vision.BlobGridDetector{}, vision.PlanarSolver{}, params,
		cfg.FrameWidth, cfg.FrameHeight)
	tcfg.Variant = trackerVariant(cfg.TrackerVariant)
	if cfg.TrackerBufferCap > 0 {
		tcfg.BufferCap = cfg.TrackerBufferCap
	}
	if cfg.ClipNear > 0 {
		tcfg.Near = cfg.ClipNear
	}
	if cfg.ClipFar > 0 {
		tcfg.Far = cfg.ClipFar
	}
	trk, err := tracker.New(tcfg)
	if err != nil {
		return err
	}

	// The visual path: frames from the configured capture source run
	// through marker detection and correct the inertial drift.
	camera, err := newCaptureSource(cfg)
	if err != nil {
		return err
	}
	go trackFrames(trk, camera, frameInterval)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDTracker)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	log.Printf("tracker: connected to MQTT broker at %s", cfg.MQTTBroker)

	ticker := time.NewTicker(time.Duration(cfg.IMUSampleInterval) * time.Millisecond)
	defer ticker.Stop()

	for t := range ticker.C {
		reading, err := src.Next()
		if err != nil {
			log.Printf("tracker: motion read error: %v", err)
			continue
		}
		trk.TrackSensor(reading.Attitude, reading.Accel, reading.Gyro)

		pose := trk.Pose()
		q := trk.Orientation()
		msg := PoseMessage{
			Qw: q.W, Qx: q.X, Qy: q.Y, Qz: q.Z,
			Position: trk.Position(),
			View:     pose.ViewMatrix(),
			Proj:     pose.ProjMatrix(),
			Time:     t.Format(time.RFC3339),
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			log.Printf("tracker: pose marshal error: %v", err)
			continue
		}
		if token := client.Publish(cfg.TopicPose, 0, true, payload); token.Wait() && token.Error() != nil {
			log.Printf("tracker: MQTT publish error (pose): %v", token.Error())
			continue
		}

		frames, detected, rejected := trk.Stats()
		dbg := DebugMessage{
			State:           trk.State().String(),
			Frames:          frames,
			Detected:        detected,
			Rejected:        rejected,
			CovarianceTrace: trk.CovarianceTrace(),
			Time:            t.Format(time.RFC3339),
		}
		if payload, err := json.Marshal(dbg); err != nil {
			log.Printf("tracker: debug marshal error: %v", err)
		} else {
			client.Publish(cfg.TopicPoseDebug, 0, true, payload)
		}
	}
	return nil
}

// trackFrames drains the camera source through the tracker, one marker
// detection per batch, and returns when the source is exhausted.
func trackFrames(trk *tracker.Tracker, src capture.Source, interval time.Duration) {
	for {
		batch, err := src.Next()
		if err == io.EOF {
			log.Println("tracker: camera source drained")
			return
		}
		if err != nil {
			log.Printf("tracker: camera source error: %v", err)
			return
		}
		if len(batch) == 0 {
			continue
		}
		// The middle bracket exposure is the best lit for detection.
		trk.TrackFrame(grayFrame(batch[len(batch)/2].Image))
		if interval > 0 {
			time.Sleep(interval)
		}
	}
}

func grayFrame(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(b)
	draw.Draw(g, b, img, b.Min, draw.Src)
	return g
}

func trackerVariant(name string) tracker.Variant {
	switch name {
	case "decoupled":
		return tracker.VariantDecoupled
	case "orientation":
		return tracker.VariantOrientation
	default:
		return tracker.VariantCoupled
	}
}
