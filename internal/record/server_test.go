package record

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

// mockNotifier counts pass notifications
type mockNotifier struct {
	calls atomic.Int32
}

func (m *mockNotifier) Notify() {
	m.calls.Add(1)
}

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		notifier    *mockNotifier
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		notifier = &mockNotifier{}
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		service := NewServiceWithDeps(db, storage, &mockIDGenerator{id: "new-id"}, &defaultTimeSource{})
		server := NewServerWithMux(service, notifier, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP)
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	do := func(method, path string, body io.Reader) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decode := func(resp *http.Response, v any) {
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(json.Unmarshal(body, v)).To(Succeed())
	}

	upload := func(filename string, data []byte) *http.Response {
		var b bytes.Buffer
		writer := multipart.NewWriter(&b)
		part, err := writer.CreateFormFile("file", filename)
		Expect(err).NotTo(HaveOccurred())
		part.Write(data)
		writer.Close()

		resp, err := http.Post(ghttpServer.URL()+"/api/records", writer.FormDataContentType(), &b)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	Describe("handleListRecords", func() {
		When("records exist", func() {
			BeforeEach(func() {
				db.records["id1"] = &Record{ID: "id1", State: StatePending}
				db.records["id2"] = &Record{ID: "id2", State: StatePartial}
			})

			It("should return all records as JSON", func() {
				resp := do("GET", "/api/records", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
				var records []*Record
				decode(resp, &records)
				Expect(records).To(HaveLen(2))
			})
		})

		When("no records exist", func() {
			It("should return an empty array", func() {
				resp := do("GET", "/api/records", nil)
				var records []*Record
				decode(resp, &records)
				Expect(records).NotTo(BeNil())
				Expect(records).To(BeEmpty())
			})
		})

		When("the service returns an error", func() {
			BeforeEach(func() {
				db.listErr = errors.New("service error")
			})

			It("should return Internal Server Error", func() {
				resp := do("GET", "/api/records", nil)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				body, _ := io.ReadAll(resp.Body)
				Expect(string(body)).To(ContainSubstring("Internal server error"))
			})
		})
	})

	Describe("handleImportRecord", func() {
		When("upload succeeds", func() {
			It("should create a pending record", func() {
				resp := upload("shot.png", []byte("fake image data"))
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				var record Record
				decode(resp, &record)
				Expect(record.ID).To(Equal("new-id"))
				Expect(record.State).To(Equal(StatePending))
				Expect(record.ContentType).To(Equal("image/png"))
			})

			It("should notify the pipeline", func() {
				resp := upload("shot.png", []byte("fake image data"))
				resp.Body.Close()
				Expect(notifier.calls.Load()).To(Equal(int32(1)))
			})
		})

		When("no file is provided", func() {
			It("should return Bad Request", func() {
				var b bytes.Buffer
				writer := multipart.NewWriter(&b)
				writer.WriteField("other", "value")
				writer.Close()

				resp, err := http.Post(ghttpServer.URL()+"/api/records", writer.FormDataContentType(), &b)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				var body map[string]string
				decode(resp, &body)
				Expect(body["error"]).To(ContainSubstring("No file was selected"))
			})
		})

		When("the file is empty", func() {
			It("should return Bad Request", func() {
				resp := upload("shot.png", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				var body map[string]string
				decode(resp, &body)
				Expect(body["error"]).To(Equal(ErrEmptyImage.Error()))
				Expect(notifier.calls.Load()).To(BeZero())
			})
		})

		When("the body is not multipart", func() {
			It("should return Bad Request", func() {
				resp := do("POST", "/api/records", strings.NewReader("nope"))
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("handleGetRecord", func() {
		BeforeEach(func() {
			db.records["id1"] = &Record{ID: "id1", State: StateFull}
		})

		It("should return the record", func() {
			resp := do("GET", "/api/records/id1", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var record Record
			decode(resp, &record)
			Expect(record.State).To(Equal(StateFull))
		})

		It("should return Not Found for unknown records", func() {
			resp := do("GET", "/api/records/missing", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("handleGetRecordImage", func() {
		BeforeEach(func() {
			db.records["id1"] = &Record{ID: "id1", Filename: "id1_a.png", ContentType: "image/png"}
			storage.files["id1_a.png"] = []byte("png data")
		})

		It("should return the image with its content type", func() {
			resp := do("GET", "/api/records/id1/image", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(Equal("png data"))
		})
	})

	Describe("handleDeleteRecord", func() {
		BeforeEach(func() {
			db.records["id1"] = &Record{ID: "id1", Filename: "id1_a.png"}
			storage.files["id1_a.png"] = []byte("png data")
		})

		It("should return No Content and remove the record", func() {
			resp := do("DELETE", "/api/records/id1", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(db.records).To(BeEmpty())
		})

		It("should return Not Found for unknown records", func() {
			resp := do("DELETE", "/api/records/missing", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("handleSetValue", func() {
		BeforeEach(func() {
			db.records["id1"] = &Record{ID: "id1", State: StateFailed}
		})

		It("should confirm the record", func() {
			resp := do("PUT", "/api/records/id1/value", strings.NewReader(`{"value": "42.50"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var record Record
			decode(resp, &record)
			Expect(record.State).To(Equal(StateHumanConfirmed))
			Expect(record.Value.String()).To(Equal("42.5"))
		})

		It("should accept a bare number", func() {
			resp := do("PUT", "/api/records/id1/value", strings.NewReader(`{"value": 7}`))
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should reject a missing value", func() {
			resp := do("PUT", "/api/records/id1/value", strings.NewReader(`{}`))
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should return Not Found for unknown records", func() {
			resp := do("PUT", "/api/records/missing/value", strings.NewReader(`{"value": "1"}`))
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("handleAssignSeries", func() {
		BeforeEach(func() {
			db.records["id1"] = &Record{ID: "id1", State: StatePartial}
			db.series["s1"] = &Series{ID: "s1", Name: "Checking"}
		})

		It("should assign the series", func() {
			resp := do("PUT", "/api/records/id1/series", strings.NewReader(`{"series_id": "s1"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var record Record
			decode(resp, &record)
			Expect(record.SeriesID).To(Equal("s1"))
			Expect(record.State).To(Equal(StateHumanConfirmed))
		})

		It("should return Not Found for unknown series", func() {
			resp := do("PUT", "/api/records/id1/series", strings.NewReader(`{"series_id": "nope"}`))
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("handleResetAnalysis", func() {
		BeforeEach(func() {
			db.records["failed"] = &Record{ID: "failed", Filename: "a.png", State: StateFailed, ValueExtractionAttempted: true}
			db.records["confirmed"] = &Record{ID: "confirmed", State: StateHumanConfirmed}
		})

		It("should reset a failed record and notify the pipeline", func() {
			resp := do("POST", "/api/records/failed/reset", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var record Record
			decode(resp, &record)
			Expect(record.State).To(Equal(StatePending))
			Expect(notifier.calls.Load()).To(Equal(int32(1)))
		})

		It("should return Conflict for confirmed records", func() {
			resp := do("POST", "/api/records/confirmed/reset", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})
	})

	Describe("series endpoints", func() {
		It("should create a series", func() {
			resp := do("POST", "/api/series", strings.NewReader(`{"name": "Brokerage", "color": "#123456"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var series Series
			decode(resp, &series)
			Expect(series.Name).To(Equal("Brokerage"))
			Expect(db.series).To(HaveKey("new-id"))
		})

		It("should reject a series without a name", func() {
			resp := do("POST", "/api/series", strings.NewReader(`{"name": ""}`))
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		When("series exist", func() {
			BeforeEach(func() {
				db.series["d"] = &Series{ID: "d", Name: "Default", IsDefault: true}
				db.series["s"] = &Series{ID: "s", Name: "Savings", SortOrder: 1}
			})

			It("should list them", func() {
				resp := do("GET", "/api/series", nil)
				var series []*Series
				decode(resp, &series)
				Expect(series).To(HaveLen(2))
				Expect(series[0].ID).To(Equal("d"))
			})

			It("should get one", func() {
				resp := do("GET", "/api/series/s", nil)
				var series Series
				decode(resp, &series)
				Expect(series.Name).To(Equal("Savings"))
			})

			It("should delete one", func() {
				resp := do("DELETE", "/api/series/s", nil)
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			})

			It("should refuse to delete the default series", func() {
				resp := do("DELETE", "/api/series/d", nil)
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			})
		})
	})

	Describe("handleRunPasses", func() {
		It("should accept and notify the pipeline", func() {
			resp := do("POST", "/api/passes", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			Expect(notifier.calls.Load()).To(Equal(int32(1)))
		})
	})

	Describe("metrics", func() {
		It("should expose Prometheus metrics", func() {
			resp := do("GET", "/metrics", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(ContainSubstring("go_goroutines"))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "user", Password: "secret"}
		})

		It("should reject requests without credentials", func() {
			resp := do("GET", "/api/records", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})

		It("should reject wrong credentials", func() {
			req, _ := http.NewRequest("GET", ghttpServer.URL()+"/api/records", nil)
			req.SetBasicAuth("user", "wrong")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("should accept valid credentials", func() {
			req, _ := http.NewRequest("GET", ghttpServer.URL()+"/api/records", nil)
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("user:secret")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})
})
