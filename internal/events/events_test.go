package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-simulator/pkg/lorawan"
)

var (
	testDevEUI  = lorawan.EUI64{0x00, 0x04, 0xa3, 0x0b, 0x00, 0x1c, 0x05, 0x30}
	testDevAddr = lorawan.DevAddr{0x26, 0x01, 0x1b, 0xda}
	testGateway = lorawan.EUI64{0xaa, 0x55, 0x5a, 0x00, 0x00, 0x00, 0x00, 0x01}
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (r *recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Close() error {
	r.closed = true
	return nil
}

type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (fakeToken) Error() error { return nil }

type fakeClient struct {
	mqtt.Client

	mu        sync.Mutex
	published map[string][]byte
	block     chan struct{}
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published[topic] = payload.([]byte)
	return fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {}

func (c *fakeClient) get(topic string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.published[topic]
	return b, ok
}

func TestSubjectsAndTopics(t *testing.T) {
	tests := []struct {
		Name    string
		Event   Event
		Subject string
		Topic   string
	}{
		{
			Name:    "device uplink",
			Event:   ForDevice(Uplink, testDevEUI, testDevAddr),
			Subject: "simulator.device.0004a30b001c0530.uplink",
			Topic:   "simulator/device/0004a30b001c0530/event/uplink",
		},
		{
			Name:    "gateway down",
			Event:   ForGateway(GatewayDown, testGateway),
			Subject: "simulator.gateway.aa555a0000000001.gateway_down",
			Topic:   "simulator/gateway/aa555a0000000001/event/gateway_down",
		},
	}

	for _, tst := range tests {
		t.Run(tst.Name, func(t *testing.T) {
			assert := require.New(t)
			assert.Equal(tst.Subject, Subject(tst.Event))
			assert.Equal(tst.Topic, Topic(tst.Event))
		})
	}
}

func TestEventJSON(t *testing.T) {
	assert := require.New(t)

	e := ForDevice(Uplink, testDevEUI, testDevAddr)
	port := uint8(1)
	e.FPort = &port
	e.FCnt = 7
	e.Data = []byte{0x01, 0x64}

	b, err := json.Marshal(e)
	assert.NoError(err)

	var m map[string]interface{}
	assert.NoError(json.Unmarshal(b, &m))
	assert.Equal("uplink", m["type"])
	assert.Equal("0004a30b001c0530", m["devEUI"])
	assert.Equal("26011bda", m["devAddr"])
	assert.Equal("AWQ=", m["data"])
	assert.Equal(7.0, m["fCnt"])
	assert.NotContains(m, "gatewayEUI")

	assert.NotEqual(e.ID, New(Uplink).ID)
}

func TestMultiFanOut(t *testing.T) {
	assert := require.New(t)

	a, b := &recorder{}, &recorder{}
	m := Multi{a, b, Nop{}, LogPublisher{}}

	m.Publish(New(Join))
	m.Publish(New(ACK))

	assert.Len(a.events, 2)
	assert.Len(b.events, 2)
	assert.Equal(Join, a.events[0].Type)
	assert.Equal(a.events[1].ID, b.events[1].ID)

	assert.NoError(m.Close())
	assert.True(a.closed)
	assert.True(b.closed)
}

func TestMQTTPublisher(t *testing.T) {
	assert := require.New(t)

	client := &fakeClient{published: make(map[string][]byte)}
	p := NewMQTTPublisherWithClient(client, 0)

	e := ForDevice(Downlink, testDevEUI, testDevAddr)
	p.Publish(e)

	topic := "simulator/device/0004a30b001c0530/event/downlink"
	assert.Eventually(func() bool {
		_, ok := client.get(topic)
		return ok
	}, time.Second, 10*time.Millisecond)

	b, _ := client.get(topic)
	var out Event
	assert.NoError(json.Unmarshal(b, &out))
	assert.Equal(e.ID, out.ID)

	assert.NoError(p.Close())
	assert.NoError(p.Close())
	p.Publish(e)
}

func TestMQTTPublisherNeverBlocks(t *testing.T) {
	client := &fakeClient{published: make(map[string][]byte), block: make(chan struct{})}
	p := NewMQTTPublisherWithClient(client, 0)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 2*mqttQueueSize; i++ {
			p.Publish(New(Uplink))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a stalled broker")
	}

	close(client.block)
	require.NoError(t, p.Close())
}
