package scanning

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("OpenAI", func() {
	var (
		server     *ghttp.Server
		extractor  *OpenAI
		credential string
		captured   openAIChatRequest
		text       string
		err        error
	)

	captureRequest := func(w http.ResponseWriter, r *http.Request) {
		body, readErr := io.ReadAll(r.Body)
		Expect(readErr).NotTo(HaveOccurred())
		Expect(json.Unmarshal(body, &captured)).To(Succeed())
	}

	BeforeEach(func() {
		server = ghttp.NewServer()
		extractor = NewOpenAI(server.URL()+"/v1/", "gpt-test")
		credential = "sk-test"
		captured = openAIChatRequest{}
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		text, err = extractor.Extract(context.Background(), []byte("png-bytes"), credential)
	})

	When("the API succeeds", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/v1/chat/completions"),
				ghttp.VerifyHeaderKV("Authorization", "Bearer sk-test"),
				ghttp.VerifyContentType("application/json"),
				captureRequest,
				ghttp.RespondWith(http.StatusOK, `{"choices": [{"message": {"role": "assistant", "content": "{\"transactions\": []}"}}]}`),
			))
		})

		It("should return the raw message content", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal(`{"transactions": []}`))
		})

		It("should request a bounded, deterministic completion", func() {
			Expect(captured.Model).To(Equal("gpt-test"))
			Expect(captured.MaxTokens).To(Equal(MaxCompletionTokens))
			Expect(captured.Temperature).To(BeZero())
		})

		It("should embed the prompt and the image", func() {
			user := captured.Messages[len(captured.Messages)-1]
			Expect(user.Role).To(Equal("user"))
			Expect(user.Content).To(HaveLen(2))
			Expect(user.Content[0].Text).To(ContainSubstring(`"transactions": [`))
			Expect(user.Content[0].Text).To(ContainSubstring("Personal Care"))
			Expect(user.Content[1].ImageURL.URL).To(Equal("data:image/png;base64,cG5nLWJ5dGVz"))
		})
	})

	When("the API reports an error", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusBadRequest,
				`{"error": {"message": "Invalid image", "type": "invalid_request_error", "code": null}}`))
		})

		It("should return an external service error with the provider message", func() {
			var serviceErr *ExternalServiceError
			Expect(errors.As(err, &serviceErr)).To(BeTrue())
			Expect(serviceErr.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(serviceErr.Message).To(Equal("Invalid image"))
			Expect(errors.Is(err, ErrQuotaExceeded)).To(BeFalse())
		})
	})

	When("the quota is exhausted", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusTooManyRequests,
				`{"error": {"message": "You exceeded your current quota", "type": "insufficient_quota", "code": "insufficient_quota"}}`))
		})

		It("should flag the error as a quota failure", func() {
			Expect(errors.Is(err, ErrQuotaExceeded)).To(BeTrue())
		})
	})

	When("the API is rate limited without a quota code", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusTooManyRequests,
				`{"error": {"message": "Rate limit reached, check your quota", "type": "requests", "code": "rate_limit_exceeded"}}`))
		})

		It("should not be treated as a quota failure", func() {
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, ErrQuotaExceeded)).To(BeFalse())
		})
	})

	When("the error body is not JSON", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusBadGateway, "upstream down"))
		})

		It("should fall back to the raw body", func() {
			var serviceErr *ExternalServiceError
			Expect(errors.As(err, &serviceErr)).To(BeTrue())
			Expect(serviceErr.Message).To(Equal("upstream down"))
		})
	})

	When("the response has no choices", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusOK, `{"choices": []}`))
		})

		It("should return an external service error", func() {
			var serviceErr *ExternalServiceError
			Expect(errors.As(err, &serviceErr)).To(BeTrue())
		})
	})

	When("no credential is supplied", func() {
		BeforeEach(func() {
			credential = "  "
		})

		It("should fail without calling the API", func() {
			var configErr *ConfigurationError
			Expect(errors.As(err, &configErr)).To(BeTrue())
			Expect(server.ReceivedRequests()).To(BeEmpty())
		})
	})
})
