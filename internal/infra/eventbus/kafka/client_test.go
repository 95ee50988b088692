package kafka

import (
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSaramaConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		version string
		want    sarama.KafkaVersion
		wantErr bool
	}{
		{name: "default version", want: DefaultVersion},
		{name: "explicit version", version: "3.7.0", want: sarama.V3_7_0_0},
		{name: "malformed version", version: "three", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := newSaramaConfig(&Config{ClientID: "dps-notifier-0", Version: tt.version})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Version)
			assert.Equal(t, "dps-notifier-0", cfg.ClientID)
			assert.False(t, cfg.Consumer.Offsets.AutoCommit.Enable)
			assert.True(t, cfg.Producer.Idempotent)
			assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
		})
	}
}
