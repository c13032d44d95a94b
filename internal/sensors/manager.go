package sensors

import (
	"fmt"
	"log"
	"sync"

	"periph.io/x/host/v3"

	"github.com/relabs-tech/ar_pipeline/internal/config"
)

// IMUManager owns the single MPU-9250 and serializes access to it from
// the producer loop and the register debug surface.
type IMUManager struct {
	mu        sync.Mutex
	dev       *MPU9250
	available bool
}

var (
	imuManager     *IMUManager
	imuManagerOnce sync.Once
)

// GetIMUManager returns the process-wide IMU manager.
func GetIMUManager() *IMUManager {
	imuManagerOnce.Do(func() {
		imuManager = &IMUManager{}
	})
	return imuManager
}

// Init brings up periph and the IMU with the configured ranges. Safe to
// call again after a failure.
func (m *IMUManager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initLocked()
}

func (m *IMUManager) initLocked() error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("sensors: periph host init: %w", err)
	}

	cfg := config.Get()
	if m.dev != nil {
		m.dev.Close()
		m.dev = nil
		m.available = false
	}

	dev, err := NewMPU9250(cfg.IMUSPIDevice, cfg.IMUCSPin)
	if err != nil {
		return err
	}
	opts := InitOptions{
		AccelRange: cfg.IMUAccelRange,
		GyroRange:  cfg.IMUGyroRange,
		DLPF:       cfg.IMUDLPFConfig,
		SampleDiv:  cfg.IMUSampleRateDiv,
		AccelDLPF:  cfg.IMUAccelDLPF,
	}
	if err := dev.Init(opts); err != nil {
		dev.Close()
		return err
	}

	log.Printf("sensors: IMU up on %s (accel ±%dg, gyro ±%d°/s)",
		cfg.IMUSPIDevice,
		[]int{2, 4, 8, 16}[cfg.IMUAccelRange],
		[]int{250, 500, 1000, 2000}[cfg.IMUGyroRange])
	if !dev.MagReady() {
		log.Println("sensors: WARNING: magnetometer not available, continuing without it")
	}

	m.dev = dev
	m.available = true
	return nil
}

// IsAvailable reports whether the IMU initialized successfully.
func (m *IMUManager) IsAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

func (m *IMUManager) device() (*MPU9250, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return nil, fmt.Errorf("sensors: IMU not initialized")
	}
	return m.dev, nil
}

// Read returns one raw sample.
func (m *IMUManager) Read() (Sample, error) {
	dev, err := m.device()
	if err != nil {
		return Sample{}, err
	}
	return dev.ReadSample()
}

// Scales returns the accel (m/s² per LSB) and gyro (rad/s per LSB)
// conversion factors for the configured ranges.
func (m *IMUManager) Scales() (accel, gyro float64, err error) {
	dev, err := m.device()
	if err != nil {
		return 0, 0, err
	}
	return dev.AccelScale(), dev.GyroScale(), nil
}

// Reinitialize resets and reconfigures the IMU.
func (m *IMUManager) Reinitialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initLocked()
}

// Register-level access for the debug surface.

func (m *IMUManager) ReadRegister(addr byte) (byte, error) {
	dev, err := m.device()
	if err != nil {
		return 0, err
	}
	return dev.ReadRegister(addr)
}

func (m *IMUManager) WriteRegister(addr, value byte) error {
	dev, err := m.device()
	if err != nil {
		return err
	}
	return dev.WriteRegister(addr, value)
}

// ReadAllRegisters dumps the full MPU9250 register space.
func (m *IMUManager) ReadAllRegisters() (map[byte]byte, error) {
	dev, err := m.device()
	if err != nil {
		return nil, err
	}
	out := make(map[byte]byte)
	for addr := byte(0); addr <= 0x7E; addr++ {
		v, err := dev.ReadRegister(addr)
		if err != nil {
			return nil, err
		}
		out[addr] = v
	}
	return out, nil
}

func (m *IMUManager) ReadAK8963Register(addr byte) (byte, error) {
	dev, err := m.device()
	if err != nil {
		return 0, err
	}
	return dev.ReadAK8963Register(addr)
}

func (m *IMUManager) WriteAK8963Register(addr, value byte) error {
	dev, err := m.device()
	if err != nil {
		return err
	}
	return dev.WriteAK8963Register(addr, value)
}

// ReadAllAK8963Registers dumps the magnetometer register space.
func (m *IMUManager) ReadAllAK8963Registers() (map[byte]byte, error) {
	dev, err := m.device()
	if err != nil {
		return nil, err
	}
	out := make(map[byte]byte)
	for addr := byte(0); addr <= 0x12; addr++ {
		v, err := dev.ReadAK8963Register(addr)
		if err != nil {
			return nil, err
		}
		out[addr] = v
	}
	return out, nil
}

// GetRegisterMap returns the annotated MPU9250 register map.
func (m *IMUManager) GetRegisterMap() []RegisterInfo { return getMPU9250RegisterMap() }

// GetAK8963RegisterMap returns the annotated AK8963 register map.
func (m *IMUManager) GetAK8963RegisterMap() []RegisterInfo { return getAK8963RegisterMap() }
