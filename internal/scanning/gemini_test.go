package scanning

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/generative-ai-go/genai"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ = Describe("Gemini", func() {
	Describe("Extract", func() {
		It("should require a credential before creating a client", func() {
			_, err := NewGemini("").Extract(context.Background(), []byte("png"), "")
			var configErr *ConfigurationError
			Expect(errors.As(err, &configErr)).To(BeTrue())
		})
	})

	Describe("geminiResponseText", func() {
		It("should concatenate text parts", func() {
			resp := &genai.GenerateContentResponse{
				Candidates: []*genai.Candidate{{
					Content: &genai.Content{Parts: []genai.Part{
						genai.Text(`{"transactions": `),
						genai.Text(`[]}`),
					}},
				}},
			}
			text, err := geminiResponseText(resp)
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal(`{"transactions": []}`))
		})

		It("should fail when there are no candidates", func() {
			_, err := geminiResponseText(&genai.GenerateContentResponse{})
			var serviceErr *ExternalServiceError
			Expect(errors.As(err, &serviceErr)).To(BeTrue())
		})
	})

	Describe("geminiServiceError", func() {
		ctx := context.Background()

		It("should flag gRPC resource exhaustion as quota", func() {
			err := geminiServiceError(ctx, status.Error(codes.ResourceExhausted, "Quota exceeded"))
			Expect(errors.Is(err, ErrQuotaExceeded)).To(BeTrue())
			Expect(err.StatusCode).To(Equal(http.StatusTooManyRequests))
			Expect(err.Message).To(Equal("Quota exceeded"))
		})

		It("should flag REST 429 as quota", func() {
			err := geminiServiceError(ctx, &googleapi.Error{Code: http.StatusTooManyRequests, Message: "Resource has been exhausted"})
			Expect(errors.Is(err, ErrQuotaExceeded)).To(BeTrue())
		})

		It("should not flag other failures", func() {
			err := geminiServiceError(ctx, status.Error(codes.InvalidArgument, "API key not valid"))
			Expect(errors.Is(err, ErrQuotaExceeded)).To(BeFalse())
			Expect(err.Message).To(Equal("API key not valid"))
		})

		It("should not read quota from message text", func() {
			err := geminiServiceError(ctx, errors.New("quota exceeded"))
			Expect(errors.Is(err, ErrQuotaExceeded)).To(BeFalse())
		})

		It("should report a cancelled context", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			err := geminiServiceError(cancelled, errors.New("rpc error"))
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
		})
	})
})
