package node

import (
	"context"
	"fmt"

	"github.com/marcormc/sensornode/event"
	"github.com/marcormc/sensornode/fsm"
	"github.com/marcormc/sensornode/logging"
	"github.com/marcormc/sensornode/metrics"
	"github.com/marcormc/sensornode/mqtt"
	"github.com/marcormc/sensornode/store"
)

// effects runs the state machine's entry actions against the runtime's
// collaborators. None of them blocks on the network: session work is
// queued and picked up by the connector and send loop.
type effects struct {
	r *Runtime
}

var _ fsm.Effects = (*effects)(nil)

func (e *effects) LoadCredentials(ctx context.Context) (event.Credentials, bool, error) {
	return store.LoadCredentials(ctx, e.r.store)
}

func (e *effects) SaveCredentials(ctx context.Context, creds event.Credentials) error {
	return store.SaveCredentials(ctx, e.r.store, creds)
}

func (e *effects) StartAccessPoint(ctx context.Context) error {
	if err := e.r.driver.StartAccessPoint(ctx, e.r.cfg.Node.APSSID); err != nil {
		return err
	}
	if e.r.provision == nil {
		return nil
	}
	return e.r.provision.Start(ctx)
}

func (e *effects) StopProvisioning(ctx context.Context) error {
	if e.r.provision == nil {
		return nil
	}
	return e.r.provision.Stop(ctx)
}

func (e *effects) StartStation(ctx context.Context, creds event.Credentials) error {
	return e.r.driver.StartStation(ctx, creds)
}

func (e *effects) OpenSession(_ context.Context, creds event.Credentials, retry bool) error {
	if !retry {
		e.r.backoff.Reset()
	}
	e.r.requestConnect(creds)
	return nil
}

func (e *effects) CloseSession(_ context.Context) error {
	e.r.cancelConnect()
	return e.r.session.Close()
}

func (e *effects) SubscribeCommands(_ context.Context) error {
	err := e.r.session.Subscribe(mqtt.TopicFilter{Filter: e.r.cfg.Topics.Command, QoS: e.r.cfg.Broker.QoS})
	e.r.kick()
	return err
}

func (e *effects) PublishStatus(_ context.Context, status string) error {
	err := e.r.session.Publish(e.r.cfg.Topics.Status, []byte(status), e.r.cfg.Broker.QoS)
	e.r.kick()
	return err
}

func (e *effects) PublishSample(_ context.Context, sample event.SensorSample) error {
	topic, err := e.r.sampleTopic(sample.Kind)
	if err != nil {
		return err
	}

	if err := e.r.session.Publish(topic, sample.Payload(), e.r.cfg.Broker.QoS); err != nil {
		return err
	}
	e.r.kick()

	e.r.metrics.Counter(metrics.SamplesPublished, metrics.Labels{metrics.LabelSensor: sample.Kind.String()}).Inc()
	e.r.log.Debug("sample queued", logging.Fields{logging.FieldTopic: topic, logging.FieldSensor: sample.Kind.String()})
	return nil
}

func (e *effects) Dispatch(ctx context.Context, command string) error {
	return e.r.onCommand(ctx, command)
}

func (r *Runtime) sampleTopic(kind event.SampleKind) (string, error) {
	switch kind {
	case event.Temperature:
		return r.cfg.Topics.Temperature, nil
	case event.Humidity:
		return r.cfg.Topics.Humidity, nil
	case event.Accel6Axis:
		return r.cfg.Topics.Accel, nil
	default:
		return "", fmt.Errorf("no topic for sample kind %d", kind)
	}
}
