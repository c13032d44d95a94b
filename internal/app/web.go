package app

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/ar_pipeline/internal/config"
	"github.com/relabs-tech/ar_pipeline/internal/geotag"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// RunWeb serves the browser UI: JSON APIs for the latest pose, GPS fix
// and light probe, a websocket pose stream, the stored capture sessions
// and the static frontend.
func RunWeb() error {
	cfg := config.Get()

	var (
		mu         sync.RWMutex
		lastPose   PoseMessage
		havePose   bool
		lastFix    geotag.Fix
		haveFix    bool
		lastLights LightsMessage
		haveLights bool
	)

	// 1) Connect to MQTT broker
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDWeb)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	log.Printf("web: connected to MQTT broker at %s", cfg.MQTTBroker)

	// 2) Subscribe to the topics the UI shows
	subscriptions := map[string]mqtt.MessageHandler{
		cfg.TopicPose: func(_ mqtt.Client, msg mqtt.Message) {
			var p PoseMessage
			if err := json.Unmarshal(msg.Payload(), &p); err != nil {
				log.Printf("web: pose unmarshal error: %v", err)
				return
			}
			mu.Lock()
			lastPose = p
			havePose = true
			mu.Unlock()
		},
		cfg.TopicGPS: func(_ mqtt.Client, msg mqtt.Message) {
			var f geotag.Fix
			if err := json.Unmarshal(msg.Payload(), &f); err != nil {
				log.Printf("web: GPS unmarshal error: %v", err)
				return
			}
			mu.Lock()
			lastFix = f
			haveFix = true
			mu.Unlock()
		},
		cfg.TopicLights: func(_ mqtt.Client, msg mqtt.Message) {
			var l LightsMessage
			if err := json.Unmarshal(msg.Payload(), &l); err != nil {
				log.Printf("web: lights unmarshal error: %v", err)
				return
			}
			mu.Lock()
			lastLights = l
			haveLights = true
			mu.Unlock()
		},
	}
	for topic, handler := range subscriptions {
		token := client.Subscribe(topic, 0, handler)
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
		log.Printf("web: subscribed to MQTT topic %s", topic)
	}

	jsonEndpoint := func(get func() (interface{}, bool)) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			mu.RLock()
			v, ok := get()
			mu.RUnlock()
			if !ok {
				http.Error(w, "no data yet", http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(v); err != nil {
				log.Printf("web: json encode error: %v", err)
			}
		}
	}

	// 3) JSON API endpoints: latest pose, GPS fix, lights
	http.HandleFunc("/api/pose", jsonEndpoint(func() (interface{}, bool) { return lastPose, havePose }))
	http.HandleFunc("/api/gps", jsonEndpoint(func() (interface{}, bool) { return lastFix, haveFix }))
	http.HandleFunc("/api/lights", jsonEndpoint(func() (interface{}, bool) { return lastLights, haveLights }))

	// 4) Websocket pose stream for the 3D view
	http.HandleFunc("/ws/pose", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("web: websocket upgrade error: %v", err)
			return
		}
		defer conn.Close()

		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			mu.RLock()
			p, ok := lastPose, havePose
			mu.RUnlock()
			if !ok {
				continue
			}
			if err := conn.WriteJSON(p); err != nil {
				return
			}
		}
	})

	// 5) Stored capture sessions (HDR blobs, previews, manifests)
	http.Handle("/sessions/", http.StripPrefix("/sessions/", http.FileServer(http.Dir(cfg.SessionDir))))

	// 6) Static files from ./web as the root
	fs := http.FileServer(http.Dir("web"))
	http.Handle("/", fs)

	addr := fmt.Sprintf(":%d", cfg.WebServerPort)
	log.Printf("web server listening on %s", addr)
	return http.ListenAndServe(addr, nil)
}
