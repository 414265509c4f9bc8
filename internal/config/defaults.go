package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Realtime: RealtimeConfig{
			Enabled:             true,
			Tables:              []string{"messages"},
			ReconnectDelayMs:    5000,
			HandshakeTimeoutMs:  10000,
			HeartbeatIntervalMs: 30000,
		},
		Classifier: ClassifierConfig{
			Mode:             ModeAuto,
			Provider:         "gemini",
			Enabled:          true,
			Model:            "gemini-2.5-flash",
			Temperature:      0.2,
			RequestTimeoutMs: 30000,
			ConnectTimeoutMs: 10000,
		},
		Clustering: ClusteringConfig{
			Enabled:        true,
			InitialDelayMs: 5000,
			PollIntervalMs: 15000,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DBPath: "~/.qnasession/qnasession.db",
		},
		Kafka: KafkaConfig{
			Enabled: false,
			Topic:   "qnasession.changes",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
		},
	}
}
