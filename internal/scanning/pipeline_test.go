package scanning

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeExtractor is a scripted Extractor
type fakeExtractor struct {
	reply      string
	err        error
	delay      time.Duration
	calls      int
	credential string
	imageData  []byte
}

func (f *fakeExtractor) Extract(ctx context.Context, imageData []byte, credential string) (string, error) {
	f.calls++
	f.credential = credential
	f.imageData = imageData
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.reply, f.err
}

func testPNG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.Black)
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Pipeline", func() {
	var (
		extractor *fakeExtractor
		opts      Options
		pipeline  *Pipeline
		req       Request
		result    *Result
		err       error
	)

	BeforeEach(func() {
		extractor = &fakeExtractor{reply: `{"store_name": "FreshMart", "transactions": []}`}
		opts = Options{}
		req = Request{
			ImageData:   testPNG(),
			ContentType: "image/png",
			Credential:  "secret",
		}
	})

	JustBeforeEach(func() {
		var newErr error
		pipeline, newErr = NewPipeline(map[string]Extractor{"fake": extractor}, "fake", opts)
		Expect(newErr).NotTo(HaveOccurred())
		result, err = pipeline.ExtractAndParse(context.Background(), req)
	})

	When("the provider replies", func() {
		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should return a live result", func() {
			Expect(result.Placeholder).To(BeFalse())
			Expect(result.Provider).To(Equal("fake"))
			Expect(result.Tier).To(Equal(TierStrict))
			Expect(result.Extraction.StoreName).To(Equal("FreshMart"))
		})

		It("should call the provider once with the credential", func() {
			Expect(extractor.calls).To(Equal(1))
			Expect(extractor.credential).To(Equal("secret"))
		})

		It("should pass the PNG through untouched", func() {
			Expect(extractor.imageData).To(Equal(req.ImageData))
		})
	})

	When("the provider reply is not JSON", func() {
		BeforeEach(func() {
			extractor.reply = "I could not read this receipt."
		})

		It("should return an empty heuristic extraction", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Tier).To(Equal(TierHeuristic))
			Expect(result.Extraction.Transactions).To(BeEmpty())
		})
	})

	When("the provider quota is exhausted", func() {
		BeforeEach(func() {
			extractor.err = &ExternalServiceError{Provider: "fake", StatusCode: 429, Message: "You exceeded your current quota", Quota: true}
		})

		When("placeholders are allowed", func() {
			BeforeEach(func() {
				opts.AllowPlaceholderOnQuotaError = true
			})

			It("should return the placeholder extraction", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Placeholder).To(BeTrue())
				Expect(result.Tier).To(Equal(TierPlaceholder))
				Expect(result.Extraction).To(Equal(PlaceholderExtraction()))
			})
		})

		When("placeholders are not allowed", func() {
			It("should return the external service error", func() {
				var serviceErr *ExternalServiceError
				Expect(errors.As(err, &serviceErr)).To(BeTrue())
				Expect(errors.Is(err, ErrQuotaExceeded)).To(BeTrue())
				Expect(result).To(BeNil())
			})
		})

		When("the request overrides the pipeline options", func() {
			BeforeEach(func() {
				req.Options = &Options{AllowPlaceholderOnQuotaError: true}
			})

			It("should honor the request", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Placeholder).To(BeTrue())
			})
		})
	})

	When("the provider fails for another reason", func() {
		BeforeEach(func() {
			opts.AllowPlaceholderOnQuotaError = true
			extractor.err = &ExternalServiceError{Provider: "fake", StatusCode: 500, Message: "internal"}
		})

		It("should not substitute a placeholder", func() {
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, ErrQuotaExceeded)).To(BeFalse())
			Expect(err.Error()).To(ContainSubstring("internal"))
		})
	})

	When("the provider hangs past the timeout", func() {
		BeforeEach(func() {
			opts.Timeout = 20 * time.Millisecond
			extractor.delay = time.Second
		})

		It("should fail with an external service error", func() {
			var serviceErr *ExternalServiceError
			Expect(errors.As(err, &serviceErr)).To(BeTrue())
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
		})
	})

	When("the provider reports a configuration error", func() {
		BeforeEach(func() {
			extractor.err = &ConfigurationError{Field: "api key", Reason: "is required"}
		})

		It("should return it unchanged", func() {
			var configErr *ConfigurationError
			Expect(errors.As(err, &configErr)).To(BeTrue())
		})
	})

	When("the request names an unknown provider", func() {
		BeforeEach(func() {
			req.Provider = "nope"
		})

		It("should fail before calling any provider", func() {
			var configErr *ConfigurationError
			Expect(errors.As(err, &configErr)).To(BeTrue())
			Expect(extractor.calls).To(BeZero())
		})
	})

	When("the image cannot be decoded", func() {
		BeforeEach(func() {
			req.ImageData = []byte("definitely not an image")
			req.ContentType = "image/jpeg"
		})

		It("should fail before calling the provider", func() {
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("preparing image"))
			Expect(err).To(MatchError(ErrUnsupportedImage))
			Expect(extractor.calls).To(BeZero())
		})
	})
})

var _ = Describe("NewPipeline", func() {
	It("should reject an unknown default provider", func() {
		_, err := NewPipeline(map[string]Extractor{"a": &fakeExtractor{}}, "b", Options{})
		var configErr *ConfigurationError
		Expect(errors.As(err, &configErr)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring(`"b" is not one of a`))
	})

	It("should build every provider", func() {
		extractors := NewExtractors(ProviderConfig{})
		Expect(extractors).To(HaveKey(ProviderOpenAI))
		Expect(extractors).To(HaveKey(ProviderGemini))
		Expect(extractors).To(HaveKey(ProviderOllama))
	})
})
