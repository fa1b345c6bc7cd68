package controller

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// Sampler abstracts the MPU6050 accelerometer/gyroscope module. The default
// implementation synthesises plausible readings so the daemon runs without the
// I2C device attached.
type Sampler interface {
	Accel(unitG bool) (map[string]float64, error)
	Gyro() (map[string]float64, error)
}

var accelRanges = map[int]bool{2: true, 4: true, 8: true, 16: true}
var gyroRanges = map[int]bool{250: true, 500: true, 1000: true, 2000: true}

// MPU6050 exposes an accelerometer & gyroscope. State carries the SMB address
// and the configured measurement ranges; Downstream yields timestamped
// readings paced by the query interval.
type MPU6050 struct {
	Base
	dev        Sampler
	address    int
	accelRange int
	gyroRange  int
}

func NewMPU6050(name string, address int, dev Sampler) *MPU6050 {
	return &MPU6050{
		Base:       NewBase(name, "mpu6050"),
		dev:        dev,
		address:    address,
		accelRange: 2,
		gyroRange:  250,
	}
}

func (m *MPU6050) GetState() State {
	return State{
		"address":     m.address,
		"accel_range": m.accelRange,
		"gyro_range":  m.gyroRange,
	}
}

func (m *MPU6050) SetState(partial State) (State, error) {
	if r, ok := numberParam(partial, "accel_range"); ok && accelRanges[r] {
		m.accelRange = r
	}
	if r, ok := numberParam(partial, "gyro_range"); ok && gyroRanges[r] {
		m.gyroRange = r
	}
	return m.GetState(), nil
}

// Downstream query fields: interval and duration in seconds (floats, 0 means
// unpaced / endless), accel_data and gyro_data toggles, accel_unit_g.
func (m *MPU6050) Downstream(query State) Stream {
	s := &mpuStream{
		ctrl:      m,
		accelData: boolQuery(query, "accel_data", true),
		gyroData:  boolQuery(query, "gyro_data", true),
		unitG:     boolQuery(query, "accel_unit_g", false),
		limiter:   rate.NewLimiter(rate.Inf, 1),
	}
	if interval := floatQuery(query, "interval", 0); interval > 0 {
		s.limiter = rate.NewLimiter(rate.Every(time.Duration(interval*float64(time.Second))), 1)
	}
	if duration := floatQuery(query, "duration", 0); duration > 0 {
		s.stopAt = time.Now().Add(time.Duration(duration * float64(time.Second)))
	}
	return s
}

type mpuStream struct {
	ctrl      *MPU6050
	accelData bool
	gyroData  bool
	unitG     bool
	limiter   *rate.Limiter
	stopAt    time.Time
	closed    bool
}

func (s *mpuStream) Next() (Chunk, bool) {
	if s.closed {
		return Chunk{}, false
	}
	// Pace to the query interval; the reservation is cheap when unpaced.
	if d := s.limiter.Reserve().Delay(); d > 0 {
		time.Sleep(d)
	}
	now := time.Now()
	if !s.stopAt.IsZero() && !now.Before(s.stopAt) {
		return Chunk{}, false
	}

	data := State{"timestamp": now.Format("2006/01/02 15:04:05.000000")}
	if s.accelData {
		accel, err := s.ctrl.dev.Accel(s.unitG)
		if err != nil {
			// Transient read failure: report liveness, try again next pull.
			return IdleChunk, true
		}
		data["accel_data"] = accel
	}
	if s.gyroData {
		gyro, err := s.ctrl.dev.Gyro()
		if err != nil {
			return IdleChunk, true
		}
		data["gyro_data"] = gyro
	}
	return Chunk{Data: data}, true
}

func (s *mpuStream) Close() { s.closed = true }

// SyntheticSampler generates smooth fake readings, useful off-device and in
// tests.
type SyntheticSampler struct {
	start time.Time
}

func NewSyntheticSampler() *SyntheticSampler { return &SyntheticSampler{start: time.Now()} }

func (s *SyntheticSampler) phase() float64 {
	return time.Since(s.start).Seconds()
}

func (s *SyntheticSampler) Accel(unitG bool) (map[string]float64, error) {
	t := s.phase()
	scale := 9.80665
	if unitG {
		scale = 1.0
	}
	return map[string]float64{
		"x": 0.02 * math.Sin(t) * scale,
		"y": 0.02 * math.Cos(t) * scale,
		"z": scale,
	}, nil
}

func (s *SyntheticSampler) Gyro() (map[string]float64, error) {
	t := s.phase()
	return map[string]float64{
		"x": 0.5 * math.Sin(t/2),
		"y": 0.5 * math.Cos(t/3),
		"z": 0.1,
	}, nil
}

func numberParam(s State, key string) (int, bool) {
	switch v := s[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func floatQuery(s State, key string, def float64) float64 {
	switch v := s[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

func boolQuery(s State, key string, def bool) bool {
	if v, ok := s[key].(bool); ok {
		return v
	}
	return def
}

func init() {
	Register("mpu6050", func(name string, params map[string]any) (Controller, error) {
		address := intParam(params, "address", 0x68)
		if address <= 0 {
			return nil, fmt.Errorf("mpu6050 %s: invalid address %d", name, address)
		}
		return NewMPU6050(name, address, NewSyntheticSampler()), nil
	})
}
