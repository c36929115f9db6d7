package config

// DefaultWebhookPath is the callback path used when neither the account nor
// the channel sets one.
const DefaultWebhookPath = "/wecom"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Gateway: GatewayConfig{
			Host:               "0.0.0.0",
			Port:               8788,
			SendTimeoutSeconds: 15,
		},
		Store: StoreConfig{
			Enabled: true,
			DBPath:  "~/.wecombot/status.db",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
		Channels: ChannelsConfig{
			WeCom: WeComConfig{
				WebhookPath: DefaultWebhookPath,
			},
		},
	}
}
