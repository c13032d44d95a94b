package app

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/ar_pipeline/internal/config"
	"github.com/relabs-tech/ar_pipeline/internal/geotag"
	"github.com/relabs-tech/ar_pipeline/internal/rotation"
)

// RunConsole subscribes to the pose, tracker debug, GPS and light-probe
// topics and prints everything it sees. Diagnostics only.
func RunConsole() error {
	cfg := config.Get()

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDConsole)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	log.Printf("console: connected to MQTT broker at %s", cfg.MQTTBroker)

	// Subscribe to pose
	poseToken := client.Subscribe(cfg.TopicPose, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var p PoseMessage
		if err := json.Unmarshal(msg.Payload(), &p); err != nil {
			log.Printf("console: pose unmarshal error: %v", err)
			return
		}

		q := rotation.Quat{W: p.Qw, X: p.Qx, Y: p.Qy, Z: p.Qz}
		roll, pitch, yaw := eulerDegrees(q)
		fmt.Printf(
			"[POSE]  ROLL=%6.2f  PITCH=%6.2f  YAW=%6.2f  POS=(%.2f, %.2f, %.2f)\n",
			roll, pitch, yaw, p.Position[0], p.Position[1], p.Position[2],
		)
	})
	poseToken.Wait()
	if poseToken.Error() != nil {
		return poseToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicPose)

	// Subscribe to tracker debug
	debugToken := client.Subscribe(cfg.TopicPoseDebug, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var d DebugMessage
		if err := json.Unmarshal(msg.Payload(), &d); err != nil {
			log.Printf("console: debug unmarshal error: %v", err)
			return
		}

		fmt.Printf(
			"[TRCK]  state=%s frames=%d detected=%d rejected=%d cov=%.4g\n",
			d.State, d.Frames, d.Detected, d.Rejected, d.CovarianceTrace,
		)
	})
	debugToken.Wait()
	if debugToken.Error() != nil {
		return debugToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicPoseDebug)

	// Subscribe to GPS
	gpsToken := client.Subscribe(cfg.TopicGPS, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var f geotag.Fix
		if err := json.Unmarshal(msg.Payload(), &f); err != nil {
			log.Printf("console: gps unmarshal error: %v", err)
			return
		}

		fmt.Printf(
			"[GPS ]  time=%s date=%s lat=%.6f lon=%.6f alt=%.1fm speed=%.1fkn course=%.1f° validity=%s\n",
			f.Time, f.Date, f.Latitude, f.Longitude, f.Altitude, f.SpeedKnots, f.CourseDeg, f.Validity,
		)
	})
	gpsToken.Wait()
	if gpsToken.Error() != nil {
		return gpsToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicGPS)

	// Subscribe to lights
	lightsToken := client.Subscribe(cfg.TopicLights, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var l LightsMessage
		if err := json.Unmarshal(msg.Payload(), &l); err != nil {
			log.Printf("console: lights unmarshal error: %v", err)
			return
		}

		fmt.Printf("[LGHT]  session=%s method=%s count=%d\n", l.Session, l.Method, len(l.Lights))
		for i, light := range l.Lights {
			fmt.Printf(
				"        #%02d dir=(%6.3f, %6.3f, %6.3f) color=(%.3g, %.3g, %.3g)\n",
				i, light.Direction[0], light.Direction[1], light.Direction[2],
				light.Color[0], light.Color[1], light.Color[2],
			)
		}
	})
	lightsToken.Wait()
	if lightsToken.Error() != nil {
		return lightsToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicLights)

	// Wait for Ctrl+C
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("console: shutting down")
	client.Disconnect(250)
	return nil
}
