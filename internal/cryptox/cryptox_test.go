package cryptox_test

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/synthome-dev/mediaforge/internal/cryptox"
	apperrors "github.com/synthome-dev/mediaforge/internal/errors"
)

var _ = Describe("Box", func() {
	var box *cryptox.Box

	BeforeEach(func() {
		box = cryptox.NewBox("operator-configured-secret")
	})

	It("decrypts back to the original plaintext", func() {
		encrypted, err := box.Encrypt("sk-live-provider-credential")
		Expect(err).NotTo(HaveOccurred())
		Expect(encrypted).To(ContainSubstring(":"))

		decrypted, err := box.Decrypt(encrypted)
		Expect(err).NotTo(HaveOccurred())
		Expect(decrypted).To(Equal("sk-live-provider-credential"))
	})

	It("never reproduces the same ciphertext twice for the same plaintext", func() {
		first, err := box.Encrypt("same-key")
		Expect(err).NotTo(HaveOccurred())
		second, err := box.Encrypt("same-key")
		Expect(err).NotTo(HaveOccurred())
		Expect(first).NotTo(Equal(second), "a fresh random iv should change the output on every call")
	})

	It("rejects a value missing the iv:authTag:ciphertext structure", func() {
		_, err := box.Decrypt("not-the-right-shape")
		Expect(err).To(HaveOccurred())
		Expect(err.(*apperrors.AppError).Type).To(Equal(apperrors.ErrorTypeValidation))
	})

	It("rejects non-hex segments", func() {
		_, err := box.Decrypt("zz:zz:zz")
		Expect(err).To(HaveOccurred())
	})

	It("fails authentication when the ciphertext has been tampered with", func() {
		encrypted, err := box.Encrypt("tamper-me")
		Expect(err).NotTo(HaveOccurred())

		parts := strings.SplitN(encrypted, ":", 3)
		tampered := parts[0] + ":" + parts[1] + ":" + flipLastHexNibble(parts[2])

		_, err = box.Decrypt(tampered)
		Expect(err).To(HaveOccurred())
	})

	It("fails to decrypt with a different box's key", func() {
		encrypted, err := box.Encrypt("cross-tenant-secret")
		Expect(err).NotTo(HaveOccurred())

		other := cryptox.NewBox("a-different-secret")
		_, err = other.Decrypt(encrypted)
		Expect(err).To(HaveOccurred())
	})
})

func flipLastHexNibble(hexStr string) string {
	if hexStr == "" {
		return hexStr
	}
	last := hexStr[len(hexStr)-1]
	flipped := byte('0')
	if last == '0' {
		flipped = '1'
	}
	return hexStr[:len(hexStr)-1] + string(flipped)
}
