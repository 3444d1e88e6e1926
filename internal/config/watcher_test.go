package config_test

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/synthome-dev/mediaforge/internal/config"
)

var _ = Describe("WatchFile", func() {
	It("invokes onChange with the reloaded config after the watched file is rewritten", func() {
		dir := GinkgoT().TempDir()
		path := dir + "/config.yaml"
		Expect(os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600)).To(Succeed())

		changes := make(chan config.Config, 1)
		w, err := config.WatchFile(path, zap.NewNop(), func(c config.Config) {
			changes <- c
		})
		Expect(err).NotTo(HaveOccurred())
		defer w.Close() //nolint:errcheck

		Expect(os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0o600)).To(Succeed())

		Eventually(changes, 2*time.Second).Should(Receive(WithTransform(
			func(c config.Config) int { return c.Server.Port },
			Equal(9191),
		)))
	})

	It("errors for a path that doesn't exist yet", func() {
		_, err := config.WatchFile("/nonexistent/dir/config.yaml", zap.NewNop(), func(config.Config) {})
		Expect(err).To(HaveOccurred())
	})
})
