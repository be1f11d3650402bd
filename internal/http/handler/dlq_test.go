package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"pricewave.io/engine/internal/http/handler"
	"pricewave.io/engine/internal/model"
	"pricewave.io/engine/internal/store"
)

var _ = Describe("DLQHandler", func() {
	var (
		router  *gin.Engine
		dlqSvc  *mockDLQService
		retrier *mockDLQRetrier
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		dlqSvc = &mockDLQService{}
		retrier = &mockDLQRetrier{}
		h := handler.NewDLQHandler(dlqSvc, retrier)
		router.POST("/dlq/events/:id/retry", h.RetryEvent)
	})

	Describe("RetryEvent", func() {
		It("returns 202 with the replacement outbox entry id", func() {
			retrier.retryFn = func(_ context.Context, dlqEventID int64) (*model.OutboxEntry, error) {
				Expect(dlqEventID).To(Equal(int64(77)))
				return &model.OutboxEntry{ID: 901, Status: model.OutboxStatusPending}, nil
			}

			req := httptest.NewRequest(http.MethodPost, "/dlq/events/77/retry", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusAccepted))
			var resp map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["outbox_entry_id"]).To(BeNumerically("==", 901))
		})

		It("returns 404 for an unknown dlq event", func() {
			retrier.retryFn = func(_ context.Context, dlqEventID int64) (*model.OutboxEntry, error) {
				return nil, store.ErrNotFound
			}

			req := httptest.NewRequest(http.MethodPost, "/dlq/events/999/retry", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusNotFound))
		})

		It("returns 400 for a non-numeric id", func() {
			req := httptest.NewRequest(http.MethodPost, "/dlq/events/abc/retry", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})
	})
})
