package sensors

import (
	"fmt"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
)

// MPU9250 register addresses used by the driver. The full annotated map
// lives in mpu9250_registers.go for the debug tooling.
const (
	regSmplrtDiv    = 0x19
	regConfig       = 0x1A
	regGyroConfig   = 0x1B
	regAccelConfig  = 0x1C
	regAccelConfig2 = 0x1D
	regI2CMstCtrl   = 0x24
	regI2CSlv0Addr  = 0x25
	regI2CSlv0Reg   = 0x26
	regI2CSlv0Ctrl  = 0x27
	regAccelXoutH   = 0x3B
	regExtSensData  = 0x49
	regI2CSlv0DO    = 0x63
	regUserCtrl     = 0x6A
	regPwrMgmt1     = 0x6B
	regPwrMgmt2     = 0x6C
	regWhoAmI       = 0x75

	whoAmIMPU9250 = 0x71
)

// AK8963 magnetometer registers, reached through the MPU9250's internal
// I2C master.
const (
	akAddr  = 0x0C
	akWIA   = 0x00
	akST1   = 0x02
	akHXL   = 0x03
	akCNTL1 = 0x0A
	akCNTL2 = 0x0B
	akASAX  = 0x10

	whoAmIAK8963 = 0x48
)

// InitOptions carries the sensor configuration applied during Init.
type InitOptions struct {
	AccelRange byte // 0=±2g .. 3=±16g
	GyroRange  byte // 0=±250°/s .. 3=±2000°/s
	DLPF       byte // gyro/temp DLPF config, 0-7
	SampleDiv  byte // sample rate divider
	AccelDLPF  byte // accelerometer DLPF config, 0-7
}

// MPU9250 is a raw SPI driver for the MPU-9250, with the AK8963
// magnetometer bridged over the chip's internal I2C master.
type MPU9250 struct {
	mu   sync.Mutex
	port spi.PortCloser
	conn spi.Conn
	cs   gpio.PinOut // nil when the SPI port drives chip select

	opts     InitOptions
	magReady bool
	magAdj   [3]float64 // factory sensitivity adjustment
}

// NewMPU9250 opens the SPI port and optional software chip-select pin.
// Call Init before reading samples.
func NewMPU9250(spiDev, csPin string) (*MPU9250, error) {
	port, err := spireg.Open(spiDev)
	if err != nil {
		return nil, fmt.Errorf("mpu9250: SPI open %s: %w", spiDev, err)
	}
	conn, err := port.Connect(physic.MegaHertz, spi.Mode3, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("mpu9250: SPI connect: %w", err)
	}

	var cs gpio.PinOut
	if csPin != "" {
		pin := gpioreg.ByName(csPin)
		if pin == nil {
			port.Close()
			return nil, fmt.Errorf("mpu9250: CS pin %q not found", csPin)
		}
		if err := pin.Out(gpio.High); err != nil {
			port.Close()
			return nil, fmt.Errorf("mpu9250: CS pin setup: %w", err)
		}
		cs = pin
	}

	return &MPU9250{port: port, conn: conn, cs: cs}, nil
}

// Close releases the SPI port.
func (m *MPU9250) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port.Close()
}

// tx runs one SPI transaction with the software CS asserted when
// configured. Caller holds m.mu.
func (m *MPU9250) tx(w, r []byte) error {
	if m.cs != nil {
		if err := m.cs.Out(gpio.Low); err != nil {
			return err
		}
		defer m.cs.Out(gpio.High)
	}
	return m.conn.Tx(w, r)
}

func (m *MPU9250) readReg(addr byte) (byte, error) {
	w := []byte{addr | 0x80, 0}
	r := make([]byte, 2)
	if err := m.tx(w, r); err != nil {
		return 0, fmt.Errorf("mpu9250: read 0x%02X: %w", addr, err)
	}
	return r[1], nil
}

func (m *MPU9250) writeReg(addr, value byte) error {
	if err := m.tx([]byte{addr, value}, make([]byte, 2)); err != nil {
		return fmt.Errorf("mpu9250: write 0x%02X: %w", addr, err)
	}
	return nil
}

func (m *MPU9250) readBurst(addr byte, n int) ([]byte, error) {
	w := make([]byte, n+1)
	w[0] = addr | 0x80
	r := make([]byte, n+1)
	if err := m.tx(w, r); err != nil {
		return nil, fmt.Errorf("mpu9250: burst read 0x%02X+%d: %w", addr, n, err)
	}
	return r[1:], nil
}

// ReadRegister reads one MPU9250 register.
func (m *MPU9250) ReadRegister(addr byte) (byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readReg(addr)
}

// WriteRegister writes one MPU9250 register.
func (m *MPU9250) WriteRegister(addr, value byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeReg(addr, value)
}

// Init resets the chip and applies the configured ranges, then brings
// up the magnetometer bridge. Magnetometer failure is non-fatal; the
// tracker runs on accel and gyro alone.
func (m *MPU9250) Init(opts InitOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts = opts

	// Reset, then wake with the best available clock.
	if err := m.writeReg(regPwrMgmt1, 0x80); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	if err := m.writeReg(regPwrMgmt1, 0x01); err != nil {
		return err
	}
	if err := m.writeReg(regPwrMgmt2, 0x00); err != nil {
		return err
	}

	if id, err := m.readReg(regWhoAmI); err != nil {
		return err
	} else if id != whoAmIMPU9250 {
		return fmt.Errorf("mpu9250: WHO_AM_I = 0x%02X, want 0x%02X", id, whoAmIMPU9250)
	}

	if err := m.writeReg(regConfig, opts.DLPF&0x07); err != nil {
		return err
	}
	if err := m.writeReg(regSmplrtDiv, opts.SampleDiv); err != nil {
		return err
	}
	if err := m.writeReg(regGyroConfig, (opts.GyroRange&0x03)<<3); err != nil {
		return err
	}
	if err := m.writeReg(regAccelConfig, (opts.AccelRange&0x03)<<3); err != nil {
		return err
	}
	if err := m.writeReg(regAccelConfig2, opts.AccelDLPF&0x07); err != nil {
		return err
	}

	// SPI only: disable the I2C slave interface, enable the I2C master
	// at 400 kHz for the magnetometer.
	if err := m.writeReg(regUserCtrl, 0x30); err != nil {
		return err
	}
	if err := m.writeReg(regI2CMstCtrl, 0x0D); err != nil {
		return err
	}

	if err := m.initMag(); err != nil {
		m.magReady = false
		return nil
	}
	m.magReady = true
	return nil
}

// writeMag writes one AK8963 register through I2C slave 0.
func (m *MPU9250) writeMag(reg, value byte) error {
	if err := m.writeReg(regI2CSlv0Addr, akAddr); err != nil {
		return err
	}
	if err := m.writeReg(regI2CSlv0Reg, reg); err != nil {
		return err
	}
	if err := m.writeReg(regI2CSlv0DO, value); err != nil {
		return err
	}
	if err := m.writeReg(regI2CSlv0Ctrl, 0x81); err != nil {
		return err
	}
	time.Sleep(10 * time.Millisecond)
	return nil
}

// readMag reads n AK8963 registers into EXT_SENS_DATA and returns them.
func (m *MPU9250) readMag(reg byte, n int) ([]byte, error) {
	if err := m.writeReg(regI2CSlv0Addr, akAddr|0x80); err != nil {
		return nil, err
	}
	if err := m.writeReg(regI2CSlv0Reg, reg); err != nil {
		return nil, err
	}
	if err := m.writeReg(regI2CSlv0Ctrl, 0x80|byte(n)); err != nil {
		return nil, err
	}
	time.Sleep(10 * time.Millisecond)
	return m.readBurst(regExtSensData, n)
}

func (m *MPU9250) initMag() error {
	if err := m.writeMag(akCNTL2, 0x01); err != nil { // soft reset
		return err
	}
	if id, err := m.readMag(akWIA, 1); err != nil {
		return err
	} else if id[0] != whoAmIAK8963 {
		return fmt.Errorf("mpu9250: AK8963 WHO_AM_I = 0x%02X, want 0x%02X", id[0], whoAmIAK8963)
	}

	// Fuse ROM access for the factory sensitivity adjustment.
	if err := m.writeMag(akCNTL1, 0x0F); err != nil {
		return err
	}
	asa, err := m.readMag(akASAX, 3)
	if err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		m.magAdj[i] = (float64(asa[i])-128)/256 + 1
	}
	if err := m.writeMag(akCNTL1, 0x00); err != nil { // power down
		return err
	}
	// Continuous mode 2 (100 Hz), 16-bit output.
	if err := m.writeMag(akCNTL1, 0x16); err != nil {
		return err
	}

	// Leave slave 0 auto-reading ST1..ST2 (8 bytes) every sample so
	// ReadSample only needs one burst over EXT_SENS_DATA.
	if err := m.writeReg(regI2CSlv0Addr, akAddr|0x80); err != nil {
		return err
	}
	if err := m.writeReg(regI2CSlv0Reg, akST1); err != nil {
		return err
	}
	return m.writeReg(regI2CSlv0Ctrl, 0x88)
}

// MagReady reports whether the magnetometer bridge came up.
func (m *MPU9250) MagReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.magReady
}

// ReadSample burst-reads accel, gyro and (when available) the
// magnetometer in a single pass.
func (m *MPU9250) ReadSample() (Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := m.readBurst(regAccelXoutH, 14)
	if err != nil {
		return Sample{}, err
	}
	be := func(i int) int16 { return int16(raw[i])<<8 | int16(raw[i+1]) }
	s := Sample{
		Source: "mpu9250",
		Ax:     be(0), Ay: be(2), Az: be(4),
		// raw[6:8] is the die temperature, unused here
		Gx: be(8), Gy: be(10), Gz: be(12),
	}

	if m.magReady {
		// EXT_SENS_DATA holds ST1, HXL..HZH (little-endian), ST2.
		mag, err := m.readBurst(regExtSensData, 8)
		if err == nil && mag[0]&0x01 != 0 && mag[7]&0x08 == 0 {
			le := func(i int) int16 { return int16(mag[i]) | int16(mag[i+1])<<8 }
			s.Mx = int16(float64(le(1)) * m.magAdj[0])
			s.My = int16(float64(le(3)) * m.magAdj[1])
			s.Mz = int16(float64(le(5)) * m.magAdj[2])
		}
	}
	return s, nil
}

// ReadAK8963Register reads one magnetometer register through the
// bridge.
func (m *MPU9250) ReadAK8963Register(addr byte) (byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.magReady {
		return 0, fmt.Errorf("mpu9250: magnetometer not initialized")
	}
	b, err := m.readMag(addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// WriteAK8963Register writes one magnetometer register through the
// bridge.
func (m *MPU9250) WriteAK8963Register(addr, value byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.magReady {
		return fmt.Errorf("mpu9250: magnetometer not initialized")
	}
	return m.writeMag(addr, value)
}

// Scales for the configured ranges.

// AccelScale returns m/s² per LSB.
func (m *MPU9250) AccelScale() float64 {
	lsbPerG := 16384.0 / float64(int(1)<<m.opts.AccelRange)
	return 9.80665 / lsbPerG
}

// GyroScale returns rad/s per LSB.
func (m *MPU9250) GyroScale() float64 {
	lsbPerDps := 131.0 / float64(int(1)<<m.opts.GyroRange)
	return (math.Pi / 180) / lsbPerDps
}
