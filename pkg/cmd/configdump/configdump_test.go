package configdump

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"gotest.tools/v3/assert"
)

func TestDump(t *testing.T) {
	root := &cobra.Command{Use: "root"}
	root.PersistentFlags().String("nats-url", "nats://localhost:4222", "")
	sub := &cobra.Command{Use: "run"}
	sub.Flags().Int("warmup-frames", 50, "")
	root.AddCommand(sub)

	v := viper.New()
	v.Set("warmup-frames", 20)
	v.Set("tunables", map[string]any{"kp": 0.7})

	var buf bytes.Buffer
	assert.NilError(t, dump(&buf, v, root))

	got := map[string]any{}
	assert.NilError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, got["nats-url"], "nats://localhost:4222")
	assert.Equal(t, got["warmup-frames"], 20)
	assert.DeepEqual(t, got["tunables"], map[string]any{"kp": 0.7})
}
