package postproc

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// RunSummary is the message published after every run
type RunSummary struct {
	RunID        string              `json:"runId"`
	InputSpikes  int                 `json:"inputSpikes"`
	KeptSpikes   int                 `json:"keptSpikes"`
	Clusters     int                 `json:"clusters"`
	K            int                 `json:"k"`
	Fallbacks    int                 `json:"fallbacks"`
	Anomalies    map[AnomalyKind]int `json:"anomalies"`
	AnomalousIDs []int32             `json:"anomalousClusters,omitempty"`
	DurationMS   int64               `json:"durationMs"`
	Timestamp    int64               `json:"timestamp"`
}

// Summarize builds the run summary of a result
func Summarize(runID string, r *Result) *RunSummary {
	s := &RunSummary{
		RunID:        runID,
		InputSpikes:  r.InputSpikes,
		KeptSpikes:   r.Train.Len(),
		Anomalies:    r.Diagnostics.CountByKind(),
		AnomalousIDs: r.Diagnostics.Clusters(ChannelMappingAnomaly),
		DurationMS:   r.Duration.Milliseconds(),
		Timestamp:    time.Now().Unix(),
	}
	if r.FeatureIndex != nil {
		s.Clusters = r.FeatureIndex.Rows()
		s.K = r.FeatureIndex.K
	}
	if r.Positions != nil {
		s.Fallbacks = r.Positions.FallbackCount()
	}
	return s
}

// Publisher publishes run summaries to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	logger        logrus.FieldLogger
}

// NewPublisher creates a run summary publisher.
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, cfg MQTTConfig, logger logrus.FieldLogger) *Publisher {
	prefix := cfg.PublishPrefix
	if prefix == "" {
		prefix = "ks4"
	}
	p := &Publisher{
		client:        client,
		publishPrefix: prefix,
		logger:        logger,
	}
	p.SetQoS(cfg.QoS)
	// Retained by default so late subscribers see the latest run.
	p.SetRetain(!cfg.NoRetain)
	return p
}

// PublishSummary publishes a summary to {prefix}/runs/{runID} and {prefix}/runs/latest
func (p *Publisher) PublishSummary(s *RunSummary) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling run summary: %w", err)
	}

	for _, topic := range []string{
		fmt.Sprintf("%s/runs/%s", p.publishPrefix, s.RunID),
		fmt.Sprintf("%s/runs/latest", p.publishPrefix),
	} {
		token := p.client.Publish(topic, p.qos, p.retain, payload)
		if token.WaitTimeout(2*time.Second) && token.Error() != nil {
			return fmt.Errorf("publishing to %s: %w", topic, token.Error())
		}
	}

	p.logger.WithFields(logrus.Fields{
		"action": "mqtt_publish_summary",
		"run":    s.RunID,
		"kept":   s.KeptSpikes,
	}).Info("published run summary")
	return nil
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// ConnectMQTT connects to the configured broker, giving up after timeout.
// It returns nil, nil when no broker is configured.
func ConnectMQTT(cfg MQTTConfig, timeout time.Duration, logger logrus.FieldLogger) (mqtt.Client, error) {
	if cfg.Broker == "" {
		logger.WithField("action", "mqtt_connect").Debug("MQTT disabled: no broker configured")
		return nil, nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "ks4-postproc"
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectTimeout(timeout)
	opts.SetAutoReconnect(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithField("action", "mqtt_connect").WithError(err).Warn("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connecting to %s: timed out after %s", cfg.Broker, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Broker, err)
	}
	logger.WithFields(logrus.Fields{
		"action": "mqtt_connect",
		"broker": cfg.Broker,
	}).Info("connected to MQTT broker")
	return client, nil
}
