// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/ar_pipeline/internal/sensors"
)

// RegisterDebugSession holds WebSocket connection state for register debugging
type RegisterDebugSession struct {
	Conn *websocket.Conn
}

// Response type for register debug messages
type RegisterResponse struct {
	Type        string                `json:"type"`             // "register_data", "register_map", "status", "error"
	Device      string                `json:"device,omitempty"` // "mpu9250" or "ak8963"
	Address     string                `json:"addr,omitempty"`
	Value       string                `json:"value,omitempty"`
	Registers   map[string]string     `json:"registers,omitempty"` // for bulk read
	Timestamp   string                `json:"timestamp,omitempty"`
	Message     string                `json:"message,omitempty"`
	Status      string                `json:"status,omitempty"`
	RegisterMap []sensors.RegisterInfo `json:"register_map,omitempty"`
}

// RegisterConfigFile represents the JSON structure for exported register configuration
type RegisterConfigFile struct {
	Version   int               `json:"version"`
	Timestamp string            `json:"timestamp"`
	Registers map[string]string `json:"registers"` // hex address -> hex value
}

// writableRanges lists the MPU9250 registers the debug surface may
// write: configuration and offset registers, never the data registers.
var writableRanges = [][2]byte{
	{0x13, 0x1E}, // gyro offsets, SMPLRT_DIV, CONFIG, ranges, LP_ACCEL_ODR
	{0x23, 0x34}, // FIFO_EN, I2C master
	{0x37, 0x38}, // INT pin config, enable
	{0x63, 0x67}, // I2C slave data out
	{0x6A, 0x6C}, // USER_CTRL, PWR_MGMT
	{0x77, 0x7E}, // accel offsets
}

// HandleRegisterDebugWS handles the WebSocket connection for register debugging
func HandleRegisterDebugWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("register_debug: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	session := &RegisterDebugSession{Conn: conn}

	// Send register map on connection (MPU9250 by default)
	if err := session.sendRegisterMap("mpu9250"); err != nil {
		log.Printf("register_debug: error sending register map: %v", err)
		return
	}

	// Message loop
	for {
		var rawMsg map[string]interface{}
		err := conn.ReadJSON(&rawMsg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("register_debug: websocket error: %v", err)
			}
			break
		}

		action, ok := rawMsg["action"].(string)
		if !ok {
			session.sendError("missing or invalid action field")
			continue
		}

		// Route based on action
		switch action {
		case "get_map":
			device, _ := rawMsg["device"].(string)
			if device == "" {
				device = "mpu9250" // default
			}
			session.sendRegisterMap(device)
		case "read":
			session.handleRead(rawMsg)
		case "read_all":
			session.handleReadAll(rawMsg)
		case "write":
			session.handleWrite(rawMsg)
		case "init":
			session.handleInit()
		case "export_config":
			session.handleExportConfig()
		default:
			session.sendError(fmt.Sprintf("unknown action: %s", action))
		}
	}
}

func (s *RegisterDebugSession) handleRead(rawMsg map[string]interface{}) {
	device, _ := rawMsg["device"].(string)
	addr, _ := rawMsg["addr"].(string)

	if addr == "" {
		s.sendError("missing addr field")
		return
	}

	// Default to mpu9250 if not specified
	if device == "" {
		device = "mpu9250"
	}

	// Parse hex address
	var addrByte byte
	if _, err := fmt.Sscanf(addr, "0x%X", &addrByte); err != nil {
		s.sendError(fmt.Sprintf("invalid address format: %s", addr))
		return
	}

	// Read register via IMU manager based on device type
	mgr := sensors.GetIMUManager()
	var value byte
	var err error

	if device == "ak8963" {
		value, err = mgr.ReadAK8963Register(addrByte)
	} else {
		value, err = mgr.ReadRegister(addrByte)
	}

	if err != nil {
		s.sendError(fmt.Sprintf("read error: %v", err))
		return
	}

	resp := RegisterResponse{
		Type:      "register_data",
		Device:    device,
		Address:   addr,
		Value:     fmt.Sprintf("0x%02X", value),
		Timestamp: time.Now().Format(time.RFC3339),
	}
	s.Conn.WriteJSON(resp)
}

func (s *RegisterDebugSession) handleReadAll(rawMsg map[string]interface{}) {
	device, _ := rawMsg["device"].(string)

	// Default to mpu9250 if not specified
	if device == "" {
		device = "mpu9250"
	}

	// Read all registers via IMU manager based on device type
	mgr := sensors.GetIMUManager()
	var registers map[byte]byte
	var err error

	if device == "ak8963" {
		registers, err = mgr.ReadAllAK8963Registers()
	} else {
		registers, err = mgr.ReadAllRegisters()
	}

	if err != nil {
		s.sendError(fmt.Sprintf("read all error: %v", err))
		return
	}

	// Convert to hex string map
	regMap := make(map[string]string)
	for addr, value := range registers {
		regMap[fmt.Sprintf("0x%02X", addr)] = fmt.Sprintf("0x%02X", value)
	}

	resp := RegisterResponse{
		Type:      "register_data",
		Device:    device,
		Registers: regMap,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	s.Conn.WriteJSON(resp)
}

func (s *RegisterDebugSession) handleWrite(rawMsg map[string]interface{}) {
	device, _ := rawMsg["device"].(string)
	addr, _ := rawMsg["addr"].(string)
	valueStr, _ := rawMsg["value"].(string)

	if addr == "" || valueStr == "" {
		s.sendError("missing addr or value field")
		return
	}

	if device == "" {
		device = "mpu9250" // default device
	}

	// Parse hex address and value
	var addrByte, valueByte byte
	if _, err := fmt.Sscanf(addr, "0x%X", &addrByte); err != nil {
		s.sendError(fmt.Sprintf("invalid address format: %s", addr))
		return
	}
	if _, err := fmt.Sscanf(valueStr, "0x%X", &valueByte); err != nil {
		s.sendError(fmt.Sprintf("invalid value format: %s", valueStr))
		return
	}

	// Write register via IMU manager (device-specific routing)
	mgr := sensors.GetIMUManager()
	var err error
	if device == "ak8963" {
		err = mgr.WriteAK8963Register(addrByte, valueByte)
	} else {
		if !isRegisterWritable(addrByte) {
			s.sendError(fmt.Sprintf("register 0x%02X not in allowed write ranges", addrByte))
			return
		}
		err = mgr.WriteRegister(addrByte, valueByte)
	}
	if err != nil {
		s.sendError(fmt.Sprintf("write error: %v", err))
		return
	}

	resp := RegisterResponse{
		Type:      "register_data",
		Device:    device,
		Address:   addr,
		Value:     valueStr,
		Timestamp: time.Now().Format(time.RFC3339),
		Message:   "write successful",
	}
	s.Conn.WriteJSON(resp)
}

func (s *RegisterDebugSession) handleInit() {
	mgr := sensors.GetIMUManager()
	if err := mgr.Reinitialize(); err != nil {
		s.sendError(fmt.Sprintf("reinit error: %v", err))
		return
	}

	resp := RegisterResponse{
		Type:    "status",
		Status:  "initialized",
		Message: "IMU reinitialized successfully",
	}
	s.Conn.WriteJSON(resp)
}

func (s *RegisterDebugSession) handleExportConfig() {
	mgr := sensors.GetIMUManager()
	registers, err := mgr.ReadAllRegisters()
	if err != nil {
		s.sendError(fmt.Sprintf("export error: %v", err))
		return
	}

	// Convert to hex string map
	regMap := make(map[string]string)
	for addr, value := range registers {
		regMap[fmt.Sprintf("0x%02X", addr)] = fmt.Sprintf("0x%02X", value)
	}

	configFile := RegisterConfigFile{
		Version:   1,
		Timestamp: time.Now().Format(time.RFC3339),
		Registers: regMap,
	}

	// Send as download
	configJSON, _ := json.Marshal(configFile)
	rawResp := map[string]interface{}{
		"type":     "export_config",
		"message":  "config exported",
		"config":   string(configJSON),
		"filename": fmt.Sprintf("mpu9250_%s_registers.json", time.Now().Format("20060102_150405")),
	}
	s.Conn.WriteJSON(rawResp)
}

func (s *RegisterDebugSession) sendRegisterMap(deviceType string) error {
	mgr := sensors.GetIMUManager()
	var regMap []sensors.RegisterInfo

	switch deviceType {
	case "ak8963":
		regMap = mgr.GetAK8963RegisterMap()
	default:
		regMap = mgr.GetRegisterMap()
	}

	resp := RegisterResponse{
		Type:        "register_map",
		Device:      deviceType,
		RegisterMap: regMap,
	}
	return s.Conn.WriteJSON(resp)
}

func (s *RegisterDebugSession) sendError(message string) {
	resp := RegisterResponse{
		Type:    "error",
		Message: message,
	}
	s.Conn.WriteJSON(resp)
}

// HandleIMUData serves one live raw sample via REST API
func HandleIMUData(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	mgr := sensors.GetIMUManager()
	raw, err := mgr.Read()
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error": %q}`, err.Error()), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(raw)
}

// isRegisterWritable checks if a register address is in the allowed write ranges
func isRegisterWritable(addr byte) bool {
	for _, r := range writableRanges {
		if addr >= r[0] && addr <= r[1] {
			return true
		}
	}
	return false
}
