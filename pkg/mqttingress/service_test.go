package mqttingress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/EgorkaKv/sensor-gate/pkg/ingestion"
	"github.com/EgorkaKv/sensor-gate/pkg/types"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	readings []types.SensorReading
	invalid  int
	err      error
	deadline bool
}

func (f *fakeSubmitter) Submit(ctx context.Context, reading types.SensorReading) (ingestion.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, f.deadline = ctx.Deadline()
	if f.err != nil {
		return ingestion.Result{}, f.err
	}
	f.readings = append(f.readings, reading)
	return ingestion.Result{MessageID: "m-1", Topic: "sensor-" + string(reading.SensorType())}, nil
}

func (f *fakeSubmitter) RecordInvalid() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalid++
}

func (f *fakeSubmitter) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.readings), f.invalid
}

// fakeMessage satisfies mqtt.Message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 7 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

var _ mqtt.Message = (*fakeMessage)(nil)

const validPayload = `{"device_id":12345,"sensor_type":"temperature","value":23.5,"latitude":55.75,"longitude":37.61,"timestamp":"2024-01-15T12:30:00Z"}`

func newTestService(sub Submitter) *Service {
	cfg := DefaultServiceConfig()
	cfg.NumProcessingWorkers = 2
	cfg.InputChanCapacity = 10
	cfg.PublishTimeout = time.Second
	return NewService(sub, zerolog.Nop(), cfg, ClientConfig{Topic: "sensors/+/data"})
}

func TestProcessSingleMessage(t *testing.T) {
	testCases := []struct {
		name          string
		payload       string
		submitErr     error
		wantSubmitted int
		wantInvalid   int
		wantErr       bool
	}{
		{name: "valid reading", payload: validPayload, wantSubmitted: 1},
		{name: "malformed json", payload: `{"device_id":`, wantInvalid: 1, wantErr: true},
		{name: "out of range", payload: `{"device_id":1,"sensor_type":"temperature","value":1,"latitude":91,"longitude":0,"timestamp":"2024-01-15T12:30:00Z"}`, wantInvalid: 1, wantErr: true},
		{name: "missing fields", payload: `{}`, wantInvalid: 1, wantErr: true},
		{name: "submit failure", payload: validPayload, submitErr: errors.New("circuit open"), wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sub := &fakeSubmitter{err: tc.submitErr}
			s := newTestService(sub)

			s.processSingleMessage(context.Background(), InMessage{Topic: "sensors/1/data", Payload: []byte(tc.payload)}, 0)

			submitted, invalid := sub.counts()
			assert.Equal(t, tc.wantSubmitted, submitted)
			assert.Equal(t, tc.wantInvalid, invalid)
			if tc.wantErr {
				select {
				case err := <-s.Err():
					assert.Contains(t, err.Error(), "sensors/1/data")
				default:
					t.Fatal("expected an error on the error channel")
				}
			} else {
				assert.Len(t, s.Err(), 0)
			}
		})
	}
}

func TestProcessSingleMessage_AppliesPublishTimeout(t *testing.T) {
	sub := &fakeSubmitter{}
	s := newTestService(sub)
	s.processSingleMessage(context.Background(), InMessage{Payload: []byte(validPayload)}, 0)
	assert.True(t, sub.deadline)

	reading := sub.readings[0]
	assert.Equal(t, int64(12345), reading.DeviceID())
	assert.Equal(t, types.SensorTypeTemperature, reading.SensorType())
	assert.Equal(t, time.Date(2024, 1, 15, 12, 30, 0, 0, time.UTC), reading.Timestamp())
}

func TestService_HandlesMessagesThroughWorkers(t *testing.T) {
	sub := &fakeSubmitter{}
	s := newTestService(sub)
	require.NoError(t, s.Start())

	for i := 0; i < 5; i++ {
		s.handleIncomingPahoMessage(nil, &fakeMessage{topic: "sensors/1/data", payload: []byte(validPayload)})
	}

	require.Eventually(t, func() bool {
		n, _ := sub.counts()
		return n == 5
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
}

func TestService_StopDrainsQueueAndDropsLateMessages(t *testing.T) {
	sub := &fakeSubmitter{}
	s := newTestService(sub)
	require.NoError(t, s.Start())

	for i := 0; i < 3; i++ {
		s.handleIncomingPahoMessage(nil, &fakeMessage{topic: "sensors/1/data", payload: []byte(validPayload)})
	}
	s.Stop()

	n, _ := sub.counts()
	assert.Equal(t, 3, n)

	assert.NotPanics(t, func() {
		s.handleIncomingPahoMessage(nil, &fakeMessage{topic: "sensors/1/data", payload: []byte(validPayload)})
	})
	assert.NotPanics(t, s.Stop)

	_, open := <-s.Err()
	assert.False(t, open)
}

func TestNewService_AppliesDefaults(t *testing.T) {
	s := NewService(&fakeSubmitter{}, zerolog.Nop(), ServiceConfig{QoS: 5}, ClientConfig{})
	defaults := DefaultServiceConfig()
	assert.Equal(t, defaults.NumProcessingWorkers, s.config.NumProcessingWorkers)
	assert.Equal(t, defaults.InputChanCapacity, cap(s.messages))
	assert.Equal(t, defaults.QoS, s.config.QoS)
}

func TestNewTLSConfig(t *testing.T) {
	cfg, err := newTLSConfig(ClientConfig{InsecureSkipVerify: true})
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Nil(t, cfg.RootCAs)

	_, err = newTLSConfig(ClientConfig{CACertFile: "/does/not/exist.pem"})
	assert.Error(t, err)
}
