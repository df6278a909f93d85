package scanning

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("prepareImage", func() {
	It("should pass PNG data through", func() {
		data := testPNG()
		out, err := prepareImage(data, "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(data))
	})

	It("should convert JPEG to PNG", func() {
		img := image.NewRGBA(image.Rect(0, 0, 8, 8))
		img.Set(2, 2, color.White)
		var buf bytes.Buffer
		Expect(jpeg.Encode(&buf, img, nil)).To(Succeed())

		out, err := prepareImage(buf.Bytes(), "IMAGE/JPEG; charset=binary")
		Expect(err).NotTo(HaveOccurred())
		_, err = png.Decode(bytes.NewReader(out))
		Expect(err).NotTo(HaveOccurred())
	})

	It("should sniff a missing content type", func() {
		data := testPNG()
		out, err := prepareImage(data, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(data))
	})

	It("should reject empty data", func() {
		_, err := prepareImage(nil, "image/png")
		Expect(err).To(MatchError(ErrUnsupportedImage))
		Expect(err.Error()).To(ContainSubstring("image is empty"))
	})

	It("should reject unsupported formats", func() {
		_, err := prepareImage([]byte("plain text"), "text/plain")
		Expect(err).To(MatchError(ErrUnsupportedImage))
		Expect(err.Error()).To(ContainSubstring(`format "text/plain"`))
	})
})

var _ = Describe("CheckImage", func() {
	It("should accept a PNG", func() {
		Expect(CheckImage(testPNG(), "image/png")).To(Succeed())
	})

	It("should accept a PNG with no content type", func() {
		Expect(CheckImage(testPNG(), "")).To(Succeed())
	})

	It("should accept a PDF header", func() {
		Expect(CheckImage([]byte("%PDF-1.7\n%..."), "application/pdf")).To(Succeed())
	})

	It("should accept a HEIC brand", func() {
		data := append([]byte{0, 0, 0, 24}, []byte("ftypheic0000")...)
		Expect(CheckImage(data, "image/heic")).To(Succeed())
	})

	DescribeTable("rejecting uploads",
		func(data []byte, contentType string) {
			Expect(CheckImage(data, contentType)).To(MatchError(ErrUnsupportedImage))
		},
		Entry("empty", []byte{}, "image/png"),
		Entry("plain text", []byte("milk 2.50\nbread 1.20"), "text/plain"),
		Entry("text labeled as PNG", []byte("not really a png"), "image/png"),
		Entry("text labeled as PDF", []byte("hello"), "application/pdf"),
		Entry("text labeled as HEIC", []byte("hello world!"), "image/heic"),
	)
})

var _ = Describe("isHEICFormat", func() {
	It("should detect an ftyp heic brand", func() {
		data := append([]byte{0, 0, 0, 24}, []byte("ftypheic0000")...)
		Expect(isHEICFormat(data)).To(BeTrue())
	})

	It("should ignore other data", func() {
		Expect(isHEICFormat(testPNG())).To(BeFalse())
		Expect(isHEICFormat([]byte("short"))).To(BeFalse())
	})
})
