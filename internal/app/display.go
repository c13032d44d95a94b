package app

import (
	"encoding/json"
	"fmt"
	"image"
	"log"
	"math"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/ar_pipeline/internal/config"
	"github.com/relabs-tech/ar_pipeline/internal/geotag"
	"github.com/relabs-tech/ar_pipeline/internal/rotation"
)

// DisplayData holds the latest data for display
type DisplayData struct {
	mu sync.RWMutex

	pose     PoseMessage
	havePose bool

	debug     DebugMessage
	haveDebug bool

	gpsFix  geotag.Fix
	haveGPS bool
}

func RunDisplay() error {
	cfg := config.Get()

	// Initialize periph
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph: %w", err)
	}

	// Open I2C bus
	bus, err := i2creg.Open("")
	if err != nil {
		return fmt.Errorf("failed to open I2C bus: %w", err)
	}
	defer bus.Close()

	display, err := ssd1306.NewI2C(bus, &ssd1306.DefaultOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize display: %w", err)
	}
	log.Println("display: initialized")

	if err := showSplash(display); err != nil {
		log.Printf("display: error showing splash: %v", err)
	}

	// Data storage
	data := &DisplayData{}

	// Connect to MQTT
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDDisplay)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	log.Printf("display: connected to MQTT broker at %s", cfg.MQTTBroker)

	if err := subscribeForContent(client, cfg.DisplayContent, data, cfg); err != nil {
		return fmt.Errorf("failed to subscribe for display: %w", err)
	}

	// Display update loop
	ticker := time.NewTicker(time.Duration(cfg.DisplayUpdateInterval) * time.Millisecond)
	defer ticker.Stop()

	log.Println("display: starting update loop")

	for range ticker.C {
		// Read data without copying the mutex
		data.mu.RLock()
		snapshot := DisplayData{
			pose:      data.pose,
			havePose:  data.havePose,
			debug:     data.debug,
			haveDebug: data.haveDebug,
			gpsFix:    data.gpsFix,
			haveGPS:   data.haveGPS,
		}
		data.mu.RUnlock()

		if err := updateDisplay(display, cfg.DisplayContent, &snapshot); err != nil {
			log.Printf("display: error updating display: %v", err)
		}
	}

	return nil
}

func subscribeForContent(client mqtt.Client, content string, data *DisplayData, cfg *config.Config) error {
	switch content {
	case "pose":
		token := client.Subscribe(cfg.TopicPose, 0, func(_ mqtt.Client, msg mqtt.Message) {
			var p PoseMessage
			if err := json.Unmarshal(msg.Payload(), &p); err != nil {
				log.Printf("display: pose unmarshal error: %v", err)
				return
			}
			data.mu.Lock()
			data.pose = p
			data.havePose = true
			data.mu.Unlock()
		})
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
		log.Printf("display: subscribed to %s", cfg.TopicPose)

	case "tracker":
		token := client.Subscribe(cfg.TopicPoseDebug, 0, func(_ mqtt.Client, msg mqtt.Message) {
			var d DebugMessage
			if err := json.Unmarshal(msg.Payload(), &d); err != nil {
				log.Printf("display: debug unmarshal error: %v", err)
				return
			}
			data.mu.Lock()
			data.debug = d
			data.haveDebug = true
			data.mu.Unlock()
		})
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
		log.Printf("display: subscribed to %s", cfg.TopicPoseDebug)

	case "gps":
		token := client.Subscribe(cfg.TopicGPS, 0, func(_ mqtt.Client, msg mqtt.Message) {
			var f geotag.Fix
			if err := json.Unmarshal(msg.Payload(), &f); err != nil {
				log.Printf("display: gps unmarshal error: %v", err)
				return
			}
			data.mu.Lock()
			data.gpsFix = f
			data.haveGPS = true
			data.mu.Unlock()
		})
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
		log.Printf("display: subscribed to %s", cfg.TopicGPS)

	default:
		return fmt.Errorf("unknown display content type: %s", content)
	}

	return nil
}

func updateDisplay(dev *ssd1306.Dev, content string, data *DisplayData) error {
	switch content {
	case "pose":
		return updatePoseDisplay(dev, data.pose, data.havePose)
	case "tracker":
		return updateTrackerDisplay(dev, data.debug, data.haveDebug)
	case "gps":
		return updateGPSDisplay(dev, data.gpsFix, data.haveGPS)
	default:
		return fmt.Errorf("unknown display content type: %s", content)
	}
}

func newDisplayDrawer() (*image1bit.VerticalLSB, *font.Drawer) {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, 128, 64))

	// Blank image
	for i := 0; i < 1024; i++ {
		img.Pix[i] = 0
	}

	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	return img, drawer
}

func updatePoseDisplay(dev *ssd1306.Dev, pose PoseMessage, haveData bool) error {
	img, drawer := newDisplayDrawer()

	if !haveData {
		drawer.Dot = fixed.P(0, 26)
		drawer.DrawBytes([]byte("Pose"))
		drawer.Dot = fixed.P(0, 39)
		drawer.DrawBytes([]byte("Waiting..."))
	} else {
		q := rotation.Quat{W: pose.Qw, X: pose.Qx, Y: pose.Qy, Z: pose.Qz}
		roll, pitch, yaw := eulerDegrees(q)

		// Roll
		drawer.Dot = fixed.P(0, 13)
		drawer.DrawBytes([]byte(fmt.Sprintf("R: %6.1f", roll)))

		// Pitch
		drawer.Dot = fixed.P(0, 26)
		drawer.DrawBytes([]byte(fmt.Sprintf("P: %6.1f", pitch)))

		// Yaw
		drawer.Dot = fixed.P(0, 39)
		drawer.DrawBytes([]byte(fmt.Sprintf("Y: %6.1f", yaw)))

		// Position
		drawer.Dot = fixed.P(0, 52)
		drawer.DrawBytes([]byte(fmt.Sprintf("%.2f %.2f %.2f",
			pose.Position[0], pose.Position[1], pose.Position[2])))
	}

	return dev.Draw(dev.Bounds(), img, image.Point{})
}

func updateTrackerDisplay(dev *ssd1306.Dev, dbg DebugMessage, haveData bool) error {
	img, drawer := newDisplayDrawer()

	if !haveData {
		drawer.Dot = fixed.P(0, 26)
		drawer.DrawBytes([]byte("Tracker"))
		drawer.Dot = fixed.P(0, 39)
		drawer.DrawBytes([]byte("Waiting..."))
	} else {
		drawer.Dot = fixed.P(0, 13)
		drawer.DrawBytes([]byte(dbg.State))

		drawer.Dot = fixed.P(0, 26)
		drawer.DrawBytes([]byte(fmt.Sprintf("F:%5d D:%5d", dbg.Frames, dbg.Detected)))

		drawer.Dot = fixed.P(0, 39)
		drawer.DrawBytes([]byte(fmt.Sprintf("Rej: %5d", dbg.Rejected)))

		drawer.Dot = fixed.P(0, 52)
		drawer.DrawBytes([]byte(fmt.Sprintf("Cov: %.3g", dbg.CovarianceTrace)))
	}

	return dev.Draw(dev.Bounds(), img, image.Point{})
}

func updateGPSDisplay(dev *ssd1306.Dev, fix geotag.Fix, haveData bool) error {
	img, drawer := newDisplayDrawer()

	if !haveData {
		drawer.Dot = fixed.P(0, 26)
		drawer.DrawBytes([]byte("GPS Position"))
		drawer.Dot = fixed.P(0, 39)
		drawer.DrawBytes([]byte("Waiting..."))
	} else {
		// Latitude
		drawer.Dot = fixed.P(0, 13)
		latDir := "N"
		lat := fix.Latitude
		if lat < 0 {
			latDir = "S"
			lat = -lat
		}
		drawer.DrawBytes([]byte(fmt.Sprintf("%.4f%s", lat, latDir)))

		// Longitude
		drawer.Dot = fixed.P(0, 26)
		lonDir := "E"
		lon := fix.Longitude
		if lon < 0 {
			lonDir = "W"
			lon = -lon
		}
		drawer.DrawBytes([]byte(fmt.Sprintf("%.4f%s", lon, lonDir)))

		// Altitude
		drawer.Dot = fixed.P(0, 39)
		drawer.DrawBytes([]byte(fmt.Sprintf("Alt: %.0fm", fix.Altitude)))
	}

	return dev.Draw(dev.Bounds(), img, image.Point{})
}

func showSplash(dev *ssd1306.Dev) error {
	img, drawer := newDisplayDrawer()

	drawer.Dot = fixed.P(10, 26)
	drawer.DrawBytes([]byte("AR Pipeline"))

	drawer.Dot = fixed.P(5, 43)
	drawer.DrawBytes([]byte("Waiting for"))

	drawer.Dot = fixed.P(25, 56)
	drawer.DrawBytes([]byte("pose"))

	return dev.Draw(dev.Bounds(), img, image.Point{})
}

// eulerDegrees converts a world orientation into roll, pitch, yaw in
// degrees for the small displays.
func eulerDegrees(q rotation.Quat) (roll, pitch, yaw float64) {
	m := q.Matrix()
	const deg = 180 / math.Pi
	pitch = math.Asin(clampUnit(-m[7])) * deg
	roll = math.Atan2(m[6], m[8]) * deg
	yaw = math.Atan2(m[1], m[4]) * deg
	return roll, pitch, yaw
}

func clampUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
