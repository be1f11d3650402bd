package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"pricewave.io/engine/internal/dlq"
	"pricewave.io/engine/internal/http/handler"
	"pricewave.io/engine/internal/model"
	"pricewave.io/engine/internal/reconcile"
	"pricewave.io/engine/internal/service"
	"pricewave.io/engine/internal/store"
)

var _ = Describe("RunHandler", func() {
	var (
		router       *gin.Engine
		runSvc       *mockRunService
		dlqSvc       *mockDLQService
		reconcileSvc *mockReconcileService
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		runSvc = &mockRunService{}
		dlqSvc = &mockDLQService{}
		reconcileSvc = &mockReconcileService{}
		h := handler.NewRunHandler(runSvc, dlqSvc, reconcileSvc)
		router.POST("/runs", h.Create)
		router.GET("/runs/:id", h.Get)
		router.POST("/runs/:id/retry", h.Retry)
		router.POST("/runs/:id/reconcile", h.Reconcile)
	})

	validBody := func() []byte {
		body, err := json.Marshal(map[string]any{
			"tenant_id":  "tenant-1",
			"project_id": 7,
			"targets": []map[string]any{
				{"product_id": 11, "channel": "shopstack", "external_id": "sku-1", "price_cents": 1299, "currency": "USD"},
			},
		})
		Expect(err).NotTo(HaveOccurred())
		return body
	}

	Describe("Create", func() {
		It("returns 202 with the run id", func() {
			runSvc.createFn = func(_ context.Context, input service.CreateRunInput) (*model.Run, error) {
				Expect(input.TenantID).To(Equal("tenant-1"))
				Expect(input.Targets).To(HaveLen(1))
				return &model.Run{ID: 42, Status: model.RunStatusQueued}, nil
			}

			req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBuffer(validBody()))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusAccepted))
			var resp map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["run_id"]).To(BeNumerically("==", 42))
			Expect(resp["status"]).To(Equal("QUEUED"))
		})

		It("forwards the trace header to the service", func() {
			var gotTrace *string
			runSvc.createFn = func(_ context.Context, input service.CreateRunInput) (*model.Run, error) {
				gotTrace = input.TraceID
				return &model.Run{ID: 1, Status: model.RunStatusQueued}, nil
			}

			req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBuffer(validBody()))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Trace-ID", "trace-abc")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusAccepted))
			Expect(gotTrace).NotTo(BeNil())
			Expect(*gotTrace).To(Equal("trace-abc"))
		})

		It("returns 400 when targets are missing", func() {
			body, _ := json.Marshal(map[string]any{
				"tenant_id":  "tenant-1",
				"project_id": 7,
				"targets":    []map[string]any{},
			})

			req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBuffer(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 400 when the service rejects the input", func() {
			runSvc.createFn = func(_ context.Context, _ service.CreateRunInput) (*model.Run, error) {
				return nil, service.ErrInvalidRun
			}

			req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBuffer(validBody()))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("Get", func() {
		It("returns the run with targets", func() {
			runSvc.getFn = func(_ context.Context, runID int64) (*service.RunDetail, error) {
				return &service.RunDetail{
					Run:     &model.Run{ID: runID, Status: model.RunStatusApplied},
					Targets: []model.Target{{ID: 1, RunID: runID}},
				}, nil
			}

			req := httptest.NewRequest(http.MethodGet, "/runs/42", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusOK))
			var resp service.RunDetail
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Run.ID).To(Equal(int64(42)))
			Expect(resp.Targets).To(HaveLen(1))
		})

		It("returns 404 for an unknown run", func() {
			req := httptest.NewRequest(http.MethodGet, "/runs/999", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusNotFound))
		})

		It("returns 400 for a non-numeric id", func() {
			req := httptest.NewRequest(http.MethodGet, "/runs/abc", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("Retry", func() {
		It("returns 202 with the requeued count", func() {
			dlqSvc.retryFn = func(_ context.Context, runID int64, targetIDs ...int64) (int, error) {
				Expect(targetIDs).To(BeEmpty())
				return 3, nil
			}

			req := httptest.NewRequest(http.MethodPost, "/runs/42/retry", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusAccepted))
			var resp map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["requeued"]).To(BeNumerically("==", 3))
		})

		It("forwards requested target ids to the service", func() {
			var gotIDs []int64
			dlqSvc.retryFn = func(_ context.Context, runID int64, targetIDs ...int64) (int, error) {
				gotIDs = targetIDs
				return len(targetIDs), nil
			}

			body, _ := json.Marshal(map[string]any{"target_ids": []int64{5, 9}})
			req := httptest.NewRequest(http.MethodPost, "/runs/42/retry", bytes.NewBuffer(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusAccepted))
			Expect(gotIDs).To(Equal([]int64{5, 9}))
		})

		It("returns 409 when nothing is retryable", func() {
			dlqSvc.retryFn = func(_ context.Context, runID int64, targetIDs ...int64) (int, error) {
				return 0, dlq.ErrNoFailedTargets
			}

			req := httptest.NewRequest(http.MethodPost, "/runs/42/retry", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusConflict))
		})

		It("returns 404 for an unknown run", func() {
			dlqSvc.retryFn = func(_ context.Context, runID int64, targetIDs ...int64) (int, error) {
				return 0, store.ErrNotFound
			}

			req := httptest.NewRequest(http.MethodPost, "/runs/999/retry", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("Reconcile", func() {
		It("returns the reconciliation report", func() {
			reconcileSvc.reconcileFn = func(_ context.Context, runID int64) (*reconcile.Report, error) {
				return &reconcile.Report{RunID: runID, Checked: 5, Matched: 4, Mismatches: []reconcile.Mismatch{{TargetID: 9}}}, nil
			}

			req := httptest.NewRequest(http.MethodPost, "/runs/42/reconcile", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusOK))
			var resp reconcile.Report
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Checked).To(Equal(5))
			Expect(resp.Mismatches).To(HaveLen(1))
		})
	})
})
