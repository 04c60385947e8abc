package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"gpu-allocator/allocator"
	"gpu-allocator/api"
	"gpu-allocator/queues"
	"gpu-allocator/store"
)

var epoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type response struct {
	code int
	body map[string]any
	list []map[string]any
}

var _ = Describe("HTTP API", func() {
	var (
		srv *httptest.Server
	)

	call := func(method, path string, body any) response {
		var rd io.Reader
		switch b := body.(type) {
		case nil:
		case string:
			rd = bytes.NewBufferString(b)
		default:
			raw, err := json.Marshal(b)
			Expect(err).ToNot(HaveOccurred())
			rd = bytes.NewReader(raw)
		}
		req, err := http.NewRequest(method, srv.URL+path, rd)
		Expect(err).ToNot(HaveOccurred())
		resp, err := srv.Client().Do(req)
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()

		out := response{code: resp.StatusCode}
		raw, err := io.ReadAll(resp.Body)
		Expect(err).ToNot(HaveOccurred())
		if len(bytes.TrimSpace(raw)) == 0 {
			return out
		}
		if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
			Expect(json.Unmarshal(raw, &out.list)).To(Succeed())
		} else {
			Expect(json.Unmarshal(raw, &out.body)).To(Succeed())
		}
		return out
	}

	createRequester := func(name string) string {
		r := call(http.MethodPost, "/requesters", map[string]any{"username": name, "email": name + "@example.com"})
		Expect(r.code).To(Equal(http.StatusCreated))
		return r.body["id"].(string)
	}

	createResource := func(name string) string {
		r := call(http.MethodPost, "/resources", map[string]any{"name": name, "gpu_type": "A100", "gpu_memory": 40960})
		Expect(r.code).To(Equal(http.StatusCreated))
		Expect(r.body["status"]).To(Equal("AVAILABLE"))
		return r.body["id"].(string)
	}

	book := func(requesterID, resourceID string, from, to time.Duration) response {
		return call(http.MethodPost, "/reservations", map[string]any{
			"requester_id": requesterID,
			"resource_id":  resourceID,
			"start_time":   epoch.Add(from),
			"end_time":     epoch.Add(to),
		})
	}

	BeforeEach(func() {
		alloc := allocator.New(store.NewMemory(),
			allocator.WithClock(func() time.Time { return epoch }),
			allocator.WithPublisher(queues.LogPublisher{}),
		)
		srv = httptest.NewServer(api.NewServer(alloc).Handler())
	})

	AfterEach(func() {
		srv.Close()
	})

	Context("requesters", func() {
		It("creates, reads and deletes a requester", func() {
			id := createRequester("alice")

			r := call(http.MethodGet, "/requesters/"+id, nil)
			Expect(r.code).To(Equal(http.StatusOK))
			Expect(r.body["username"]).To(Equal("alice"))

			r = call(http.MethodPut, "/requesters/"+id, map[string]any{"email": "a@example.org"})
			Expect(r.code).To(Equal(http.StatusOK))
			Expect(r.body["email"]).To(Equal("a@example.org"))

			Expect(call(http.MethodDelete, "/requesters/"+id, nil).code).To(Equal(http.StatusNoContent))
			r = call(http.MethodGet, "/requesters/"+id, nil)
			Expect(r.code).To(Equal(http.StatusNotFound))
			Expect(r.body["error"]).To(Equal("NotFound"))
		})

		It("rejects duplicates with 409", func() {
			createRequester("alice")
			r := call(http.MethodPost, "/requesters", map[string]any{"username": "alice", "email": "alice@example.com"})
			Expect(r.code).To(Equal(http.StatusConflict))
			Expect(r.body["error"]).To(Equal("Conflict"))
		})

		It("answers malformed JSON with 400", func() {
			r := call(http.MethodPost, "/requesters", "{not json")
			Expect(r.code).To(Equal(http.StatusBadRequest))
			Expect(r.body["error"]).To(Equal("InvalidArgument"))
		})
	})

	Context("resources", func() {
		It("rejects an invalid name", func() {
			r := call(http.MethodPost, "/resources", map[string]any{"name": "gpu a!", "gpu_type": "A100", "gpu_memory": 1})
			Expect(r.code).To(Equal(http.StatusBadRequest))
			Expect(r.body["error"]).To(Equal("InvalidArgument"))
		})

		It("keeps telemetry supplied at creation", func() {
			r := call(http.MethodPost, "/resources", map[string]any{
				"name": "gpu-a", "gpu_type": "A100", "gpu_memory": 40960,
				"utilization_percentage": 12.5, "error_count": 3,
			})
			Expect(r.code).To(Equal(http.StatusCreated))
			Expect(r.body["utilization_percentage"]).To(BeNumerically("==", 12.5))
			Expect(r.body["error_count"]).To(BeNumerically("==", 3))

			r = call(http.MethodGet, "/resources/"+r.body["id"].(string), nil)
			Expect(r.body["error_count"]).To(BeNumerically("==", 3))

			r = call(http.MethodPost, "/resources", map[string]any{
				"name": "gpu-b", "gpu_type": "A100", "gpu_memory": 40960, "utilization_percentage": 140,
			})
			Expect(r.code).To(Equal(http.StatusBadRequest))
		})

		It("moves in and out of maintenance", func() {
			id := createResource("gpu-a")
			r := call(http.MethodPut, "/resources/"+id+"/status", map[string]any{"status": "MAINTENANCE"})
			Expect(r.code).To(Equal(http.StatusOK))
			Expect(r.body["status"]).To(Equal("MAINTENANCE"))

			r = call(http.MethodGet, "/resources/"+id+"/status", nil)
			Expect(r.body["status"]).To(Equal("MAINTENANCE"))

			r = call(http.MethodPut, "/resources/"+id+"/status", map[string]any{"status": "AVAILABLE"})
			Expect(r.code).To(Equal(http.StatusOK))
			Expect(r.body["status"]).To(Equal("AVAILABLE"))
		})

		It("refuses to delete a booked resource unless forced", func() {
			id := createResource("gpu-a")
			alice := createRequester("alice")
			Expect(book(alice, id, time.Hour, 2*time.Hour).code).To(Equal(http.StatusCreated))

			Expect(call(http.MethodDelete, "/resources/"+id, nil).code).To(Equal(http.StatusConflict))
			Expect(call(http.MethodDelete, "/resources/"+id+"?force=maybe", nil).code).To(Equal(http.StatusBadRequest))
			Expect(call(http.MethodDelete, "/resources/"+id+"?force=true", nil).code).To(Equal(http.StatusNoContent))
			Expect(call(http.MethodGet, "/resources/"+id, nil).code).To(Equal(http.StatusNotFound))
		})
	})

	Context("reservations", func() {
		var alice, bob, gpu string

		BeforeEach(func() {
			alice = createRequester("alice")
			bob = createRequester("bob")
			gpu = createResource("gpu-a")
		})

		It("books a window and reports the resource as booked", func() {
			r := book(alice, gpu, time.Hour, 3*time.Hour)
			Expect(r.code).To(Equal(http.StatusCreated))
			id := r.body["id"].(string)

			r = call(http.MethodGet, "/resources/"+gpu+"/status", nil)
			Expect(r.code).To(Equal(http.StatusOK))
			Expect(r.body["status"]).To(Equal("BOOKED"))
			Expect(r.body["booking_id"]).To(Equal(id))

			r = call(http.MethodGet, "/reservations", nil)
			Expect(r.list).To(HaveLen(1))

			r = call(http.MethodGet, "/requesters/"+alice+"/reservations", nil)
			Expect(r.list).To(HaveLen(1))
		})

		It("maps overlap to 409 Conflict", func() {
			Expect(book(alice, gpu, time.Hour, 3*time.Hour).code).To(Equal(http.StatusCreated))
			r := book(bob, gpu, 2*time.Hour, 4*time.Hour)
			Expect(r.code).To(Equal(http.StatusConflict))
			Expect(r.body["error"]).To(Equal("Conflict"))
		})

		It("maps a reversed window to 400 InvalidInterval", func() {
			r := book(alice, gpu, 3*time.Hour, time.Hour)
			Expect(r.code).To(Equal(http.StatusBadRequest))
			Expect(r.body["error"]).To(Equal("InvalidInterval"))
		})

		It("cancels once", func() {
			id := book(alice, gpu, time.Hour, 2*time.Hour).body["id"].(string)

			r := call(http.MethodPost, "/reservations/"+id+"/cancel", nil)
			Expect(r.code).To(Equal(http.StatusOK))
			Expect(r.body["is_cancelled"]).To(BeTrue())

			r = call(http.MethodPost, "/reservations/"+id+"/cancel", nil)
			Expect(r.code).To(Equal(http.StatusConflict))
			Expect(r.body["error"]).To(Equal("AlreadyCancelled"))

			r = call(http.MethodGet, "/reservations/cancelled?limit=5", nil)
			Expect(r.code).To(Equal(http.StatusOK))
			Expect(r.list).To(HaveLen(1))

			Expect(call(http.MethodGet, "/reservations/cancelled?limit=many", nil).code).To(Equal(http.StatusBadRequest))
		})

		It("returns 404 for an unknown reservation", func() {
			r := call(http.MethodGet, "/reservations/nope", nil)
			Expect(r.code).To(Equal(http.StatusNotFound))
		})
	})

	Context("usage", func() {
		It("tracks a session inside a reservation", func() {
			alice := createRequester("alice")
			gpu := createResource("gpu-a")
			rv := book(alice, gpu, 0, 2*time.Hour).body["id"].(string)

			r := call(http.MethodPost, "/usage/start", map[string]any{"resource_id": gpu, "reservation_id": rv})
			Expect(r.code).To(Equal(http.StatusCreated))
			usage := r.body["id"].(string)

			r = call(http.MethodGet, "/resources/"+gpu+"/status", nil)
			Expect(r.body["status"]).To(Equal("IN_USE"))
			Expect(r.body["usage_id"]).To(Equal(usage))

			r = call(http.MethodPost, "/usage/start", map[string]any{"resource_id": gpu, "reservation_id": rv})
			Expect(r.code).To(Equal(http.StatusConflict))
			Expect(r.body["error"]).To(Equal("AlreadyStarted"))

			r = call(http.MethodPut, "/usage/"+usage, map[string]any{"utilization_percentage": 150})
			Expect(r.code).To(Equal(http.StatusBadRequest))

			r = call(http.MethodGet, "/usage/active", nil)
			Expect(r.list).To(HaveLen(1))

			r = call(http.MethodPost, "/usage/"+usage+"/stop", nil)
			Expect(r.code).To(Equal(http.StatusOK))
			Expect(r.body["duration_seconds"]).To(BeNumerically("==", 0))

			r = call(http.MethodGet, "/resources/"+gpu+"/status", nil)
			Expect(r.body["status"]).To(Equal("AVAILABLE"))

			r = call(http.MethodGet, "/usage/report/"+gpu+"?window=1h", nil)
			Expect(r.code).To(Equal(http.StatusOK))
			Expect(r.body["sessions"]).To(BeNumerically("==", 1))

			Expect(call(http.MethodGet, "/usage/report/"+gpu+"?window=later", nil).code).To(Equal(http.StatusBadRequest))
		})

		It("rejects a reservation for another resource", func() {
			alice := createRequester("alice")
			a := createResource("gpu-a")
			b := createResource("gpu-b")
			rv := book(alice, a, 0, time.Hour).body["id"].(string)

			r := call(http.MethodPost, "/usage/start", map[string]any{"resource_id": b, "reservation_id": rv})
			Expect(r.code).To(Equal(http.StatusBadRequest))
			Expect(r.body["error"]).To(Equal("Mismatch"))
		})
	})

	Context("queue", func() {
		It("orders, moves and cancels entries", func() {
			alice := createRequester("alice")
			bob := createRequester("bob")

			r := call(http.MethodPost, "/queue/join", map[string]any{"requester_id": alice})
			Expect(r.code).To(Equal(http.StatusCreated))
			Expect(r.body["position"]).To(BeNumerically("==", 1))

			r = call(http.MethodPost, "/queue/join", map[string]any{"requester_id": alice})
			Expect(r.code).To(Equal(http.StatusOK))
			Expect(r.body["position"]).To(BeNumerically("==", 1))

			r = call(http.MethodPost, "/queue/join", map[string]any{"requester_id": bob})
			Expect(r.code).To(Equal(http.StatusCreated))
			Expect(r.body["position"]).To(BeNumerically("==", 2))
			bobEntry := r.body["queue_entry"].(map[string]any)["id"].(string)

			Expect(call(http.MethodPost, "/queue/"+bobEntry+"/move/sideways", nil).code).To(Equal(http.StatusBadRequest))

			r = call(http.MethodPost, "/queue/"+bobEntry+"/move/front", nil)
			Expect(r.code).To(Equal(http.StatusOK))
			Expect(r.body["position"]).To(BeNumerically("==", 1))

			r = call(http.MethodGet, "/queue/next", nil)
			Expect(r.code).To(Equal(http.StatusOK))
			Expect(r.body["requester_id"]).To(Equal(bob))

			r = call(http.MethodGet, "/queue", nil)
			Expect(r.list).To(HaveLen(2))

			r = call(http.MethodGet, "/queue/status?requester_id="+alice, nil)
			Expect(r.code).To(Equal(http.StatusOK))
			Expect(r.list).To(HaveLen(1))
			Expect(r.list[0]["position"]).To(BeNumerically("==", 2))

			r = call(http.MethodPost, "/queue/"+bobEntry+"/cancel", nil)
			Expect(r.code).To(Equal(http.StatusOK))
			Expect(r.body["status"]).To(Equal("CANCELLED"))

			r = call(http.MethodPost, "/queue/"+bobEntry+"/cancel", nil)
			Expect(r.code).To(Equal(http.StatusConflict))
			Expect(r.body["error"]).To(Equal("AlreadyCancelled"))

			r = call(http.MethodGet, "/queue/"+bobEntry+"/position", nil)
			Expect(r.code).To(Equal(http.StatusOK))
			Expect(r.body["position"]).To(BeNumerically("==", 0))
		})

		It("reports an empty queue as 404", func() {
			r := call(http.MethodGet, "/queue/next", nil)
			Expect(r.code).To(Equal(http.StatusNotFound))
			Expect(r.body["error"]).To(Equal("Empty"))
		})

		It("requires requester_id for status", func() {
			Expect(call(http.MethodGet, "/queue/status", nil).code).To(Equal(http.StatusBadRequest))
		})
	})
})
