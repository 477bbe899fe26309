package config

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "config suite")
}

var _ = Describe("Load", func() {
	It("decodes a partial YAML document and fills in defaults", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "config.yaml")
		Expect(os.WriteFile(path, []byte(`
reconnection:
  max_retries: 3
circuit:
  failure_threshold: 2
lock_order:
  names: ["ledger", "positions", "accounts"]
`), 0o644)).To(Succeed())

		cfg, err := Load(path)
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.Reconnection.MaxRetries).To(Equal(3))
		Expect(cfg.Reconnection.BaseBackoff).To(Equal(Default().Reconnection.BaseBackoff))

		Expect(cfg.Circuit.FailureThreshold).To(Equal(2))
		Expect(cfg.Circuit.SuccessThreshold).To(Equal(Default().Circuit.SuccessThreshold))

		Expect(cfg.LockOrder.Names).To(Equal([]string{"ledger", "positions", "accounts"}))
		Expect(cfg.LockOrder.TimeoutMS).To(Equal(Default().LockOrder.TimeoutMS))
	})

	It("returns an error when the file does not exist", func() {
		_, err := Load("/nonexistent/config.yaml")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("ApplyEnvOverrides", func() {
	It("resolves credentials from the named environment variables only", func() {
		os.Setenv("TEST_EXCHANGE_KEY", "key-123")
		os.Setenv("TEST_EXCHANGE_SECRET", "secret-456")
		defer os.Unsetenv("TEST_EXCHANGE_KEY")
		defer os.Unsetenv("TEST_EXCHANGE_SECRET")

		cfg := Default()
		cfg.Exchange.APIKeyEnv = "TEST_EXCHANGE_KEY"
		cfg.Exchange.APISecretEnv = "TEST_EXCHANGE_SECRET"
		cfg.ApplyEnvOverrides()

		Expect(cfg.Exchange.APIKey).To(Equal("key-123"))
		Expect(cfg.Exchange.APISecret).To(Equal("secret-456"))
	})

	It("leaves credentials empty when no env var name is configured", func() {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		Expect(cfg.Exchange.APIKey).To(BeEmpty())
		Expect(cfg.Exchange.APISecret).To(BeEmpty())
	})
})
