// Package storetest holds behavior specs shared by every store backend.
// Backend test suites call the Describe functions with a factory that
// returns an empty store.
package storetest

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"argus-logs/internal/domain"
	"argus-logs/internal/store"
)

// Limits are the query bounds used by the shared specs.
var Limits = domain.QueryLimits{
	MaxRange:        31 * 24 * time.Hour,
	MaxPageSize:     1000,
	DefaultPageSize: 50,
	BucketCap:       100,
}

// Base is the reference time used by the shared fixtures.
var Base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// LogStoreFactory returns an empty store and a cleanup function.
type LogStoreFactory func() (store.LogStore, func())

// Record builds a normalized fixture record.
func Record(id string, offset time.Duration, level domain.Level, source, host, message string) *domain.LogRecord {
	r := &domain.LogRecord{
		ID:          id,
		Timestamp:   Base.Add(offset),
		Level:       level,
		Message:     message,
		Source:      source,
		Host:        host,
		Application: "checkout",
		Environment: "prod",
		Logger:      "app.main",
		Thread:      "worker-1",
	}
	Expect(r.Normalize(Base)).To(Succeed())
	return r
}

// Search normalizes q against Limits and runs it.
func Search(ctx context.Context, s store.LogStore, q domain.Query) *domain.QueryResult {
	Expect(q.Normalize(Limits)).To(Succeed())
	res, err := s.Query(ctx, &q)
	Expect(err).NotTo(HaveOccurred())
	return res
}

func ids(res *domain.QueryResult) []string {
	out := make([]string, 0, len(res.Records))
	for _, r := range res.Records {
		out = append(out, r.ID)
	}
	return out
}

func timeRef(t time.Time) *time.Time { return &t }

// DescribeLogStore registers the LogStore contract specs.
func DescribeLogStore(name string, factory LogStoreFactory) bool {
	return Describe(name+" LogStore contract", func() {
		var (
			ctx     context.Context
			s       store.LogStore
			cleanup func()
		)

		BeforeEach(func() {
			ctx = context.Background()
			s, cleanup = factory()
		})

		AfterEach(func() {
			if cleanup != nil {
				cleanup()
			}
		})

		seedTen := func() {
			var records []*domain.LogRecord
			for i := 0; i < 10; i++ {
				level := domain.LevelInfo
				if i%3 == 0 && i > 0 {
					level = domain.LevelError
				}
				source := "api"
				if i%2 == 1 {
					source = "worker"
				}
				host := fmt.Sprintf("host-%d", i%3)
				records = append(records, Record(fmt.Sprintf("rec-%02d", i), time.Duration(i)*time.Minute, level, source, host, fmt.Sprintf("request %d handled", i)))
			}
			_, err := s.PutBatch(ctx, records)
			Expect(err).NotTo(HaveOccurred())
		}

		Context("Put and GetByID", func() {
			It("round-trips every field including metadata and tags", func() {
				in := Record("round-trip", 0, domain.LevelWarn, "api", "host-a", "slow response")
				in.StackTrace = "at main.go:10"
				in.Metadata = map[string]string{"request_id": "r-1", "region": "eu"}
				in.Tags = map[string]string{"team": "payments"}
				in.HTTPMethod = "GET"
				in.HTTPURL = "/v1/orders"
				in.HTTPStatus = 504
				in.ResponseTimeMs = 1200

				_, err := s.Put(ctx, in)
				Expect(err).NotTo(HaveOccurred())

				out, err := s.GetByID(ctx, "round-trip")
				Expect(err).NotTo(HaveOccurred())
				Expect(cmp.Diff(in, out)).To(BeEmpty())
			})

			It("round-trips a timestamp with sub-millisecond digits", func() {
				in := &domain.LogRecord{
					ID:        "precise",
					Timestamp: Base.Add(123456789 * time.Nanosecond),
					Level:     domain.LevelInfo,
					Message:   "precise clock",
					Source:    "api",
				}
				Expect(in.Normalize(Base)).To(Succeed())
				Expect(in.Timestamp).To(BeTemporally("==", Base.Add(123*time.Millisecond)))

				_, err := s.Put(ctx, in)
				Expect(err).NotTo(HaveOccurred())

				out, err := s.GetByID(ctx, "precise")
				Expect(err).NotTo(HaveOccurred())
				Expect(cmp.Diff(in, out)).To(BeEmpty())

				// The stored instant is also the one range filters see
				res := Search(ctx, s, domain.Query{Start: timeRef(in.Timestamp), End: timeRef(in.Timestamp.Add(time.Millisecond))})
				Expect(ids(res)).To(Equal([]string{"precise"}))
			})

			It("assigns an id when absent", func() {
				in := Record("", 0, domain.LevelInfo, "api", "host-a", "hello")
				out, err := s.Put(ctx, in)
				Expect(err).NotTo(HaveOccurred())
				Expect(out.ID).NotTo(BeEmpty())

				got, err := s.GetByID(ctx, out.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(got.Message).To(Equal("hello"))
			})

			It("rejects a duplicate id", func() {
				_, err := s.Put(ctx, Record("dup", 0, domain.LevelInfo, "api", "h", "one"))
				Expect(err).NotTo(HaveOccurred())
				_, err = s.Put(ctx, Record("dup", 0, domain.LevelInfo, "api", "h", "two"))
				Expect(domain.CodeOf(err)).To(Equal(domain.CodeLogIDConflict))
			})

			It("returns not found for an unknown id", func() {
				_, err := s.GetByID(ctx, "missing")
				Expect(err).To(MatchError(domain.ErrLogNotFound))
			})
		})

		Context("Query", func() {
			BeforeEach(seedTen)

			It("pages a filtered set", func() {
				res := Search(ctx, s, domain.Query{Levels: []domain.Level{domain.LevelError}, Page: 1, Size: 2})
				Expect(res.TotalHits).To(BeEquivalentTo(3))
				Expect(res.TotalPages).To(Equal(2))
				Expect(res.HasNextPage).To(BeTrue())
				Expect(res.HasPreviousPage).To(BeFalse())
				Expect(ids(res)).To(Equal([]string{"rec-09", "rec-06"}))

				res = Search(ctx, s, domain.Query{Levels: []domain.Level{domain.LevelError}, Page: 2, Size: 2})
				Expect(ids(res)).To(Equal([]string{"rec-03"}))
				Expect(res.HasNextPage).To(BeFalse())
				Expect(res.HasPreviousPage).To(BeTrue())
			})

			It("returns an empty page past the end with the full total", func() {
				res := Search(ctx, s, domain.Query{Page: 5, Size: 5})
				Expect(res.Records).To(BeEmpty())
				Expect(res.TotalHits).To(BeEquivalentTo(10))
				Expect(res.TotalPages).To(Equal(2))
			})

			It("returns an empty page when the page offset overflows", func() {
				res := Search(ctx, s, domain.Query{Page: math.MaxInt64 / 2, Size: 4})
				Expect(res.Records).To(BeEmpty())
				Expect(res.TimedOut).To(BeFalse())
				Expect(res.TotalHits).To(BeEquivalentTo(10))
			})

			It("sorts by timestamp desc by default", func() {
				res := Search(ctx, s, domain.Query{Size: 3})
				Expect(ids(res)).To(Equal([]string{"rec-09", "rec-08", "rec-07"}))
			})

			It("honors an explicit ascending sort", func() {
				res := Search(ctx, s, domain.Query{Size: 2, Sort: []domain.SortField{{Field: domain.FieldTimestamp}}})
				Expect(ids(res)).To(Equal([]string{"rec-00", "rec-01"}))
			})

			It("treats the start as inclusive and the end as exclusive", func() {
				res := Search(ctx, s, domain.Query{
					Start: timeRef(Base.Add(2 * time.Minute)),
					End:   timeRef(Base.Add(5 * time.Minute)),
				})
				Expect(ids(res)).To(Equal([]string{"rec-04", "rec-03", "rec-02"}))
			})

			It("combines dimensions with AND and values with OR", func() {
				res := Search(ctx, s, domain.Query{
					Sources: []string{"api", "worker"},
					Hosts:   []string{"host-0"},
					Levels:  []domain.Level{domain.LevelInfo},
				})
				// host-0: rec-00, rec-03, rec-06, rec-09; rec-03/06/09 are ERROR
				Expect(ids(res)).To(Equal([]string{"rec-00"}))

				res = Search(ctx, s, domain.Query{Sources: []string{"worker"}, Hosts: []string{"host-1", "host-2"}})
				// worker: odd ids; host-1/2: i%3 != 0
				Expect(ids(res)).To(Equal([]string{"rec-07", "rec-05", "rec-01"}))
			})

			It("applies custom field and metadata filters", func() {
				tagged := Record("tagged", 30*time.Minute, domain.LevelInfo, "api", "host-9", "tagged one")
				tagged.Metadata = map[string]string{"tenant": "acme"}
				_, err := s.Put(ctx, tagged)
				Expect(err).NotTo(HaveOccurred())

				res := Search(ctx, s, domain.Query{Filters: map[string]string{"tenant": "acme"}})
				Expect(ids(res)).To(Equal([]string{"tagged"}))

				res = Search(ctx, s, domain.Query{Filters: map[string]string{"host": "host-9", "metadata.tenant": "acme"}})
				Expect(ids(res)).To(Equal([]string{"tagged"}))

				res = Search(ctx, s, domain.Query{Filters: map[string]string{"tenant": "other"}})
				Expect(res.TotalHits).To(BeZero())
			})

			It("computes terms aggregations over the filtered set", func() {
				res := Search(ctx, s, domain.Query{
					Size:         1,
					Sources:      []string{"api"},
					Aggregations: []domain.AggregationRequest{{Field: domain.FieldLevel}},
				})
				// api: rec-00,02,04,06,08; ERROR: rec-06
				Expect(res.Aggregations[domain.FieldLevel]).To(Equal([]domain.Bucket{
					{Key: "INFO", Count: 4},
					{Key: "ERROR", Count: 1},
				}))
			})

			It("computes date histograms aligned to the interval", func() {
				res := Search(ctx, s, domain.Query{
					Size: 1,
					Aggregations: []domain.AggregationRequest{{
						Field:    domain.FieldTimestamp,
						Type:     domain.BucketDateHistogram,
						Interval: 5 * time.Minute,
					}},
				})
				Expect(res.Aggregations[domain.FieldTimestamp]).To(Equal([]domain.Bucket{
					{Key: domain.HistogramKey(Base), Count: 5},
					{Key: domain.HistogramKey(Base.Add(5 * time.Minute)), Count: 5},
				}))
			})
		})

		Context("facets", func() {
			BeforeEach(seedTen)

			It("orders distinct values by frequency then value", func() {
				values, err := s.DistinctValues(ctx, domain.FieldHost, 10)
				Expect(err).NotTo(HaveOccurred())
				// host-0: 4, host-1: 3, host-2: 3
				Expect(values).To(Equal([]string{"host-0", "host-1", "host-2"}))
			})

			It("bounds distinct values by limit", func() {
				values, err := s.DistinctValues(ctx, domain.FieldHost, 2)
				Expect(err).NotTo(HaveOccurred())
				Expect(values).To(HaveLen(2))
			})

			It("returns counted buckets", func() {
				buckets, err := s.Aggregate(ctx, domain.FieldSource, 10)
				Expect(err).NotTo(HaveOccurred())
				Expect(buckets).To(Equal([]domain.Bucket{
					{Key: "api", Count: 5},
					{Key: "worker", Count: 5},
				}))
			})

			It("rejects non-aggregatable fields", func() {
				_, err := s.Aggregate(ctx, domain.FieldMessage, 10)
				Expect(domain.CodeOf(err)).To(Equal(domain.CodeInvalidField))
			})
		})

		Context("DeleteBefore", func() {
			BeforeEach(seedTen)

			It("removes records older than the cutoff", func() {
				deleted, err := s.DeleteBefore(ctx, Base.Add(4*time.Minute))
				Expect(err).NotTo(HaveOccurred())
				Expect(deleted).To(BeEquivalentTo(4))

				res := Search(ctx, s, domain.Query{})
				Expect(res.TotalHits).To(BeEquivalentTo(6))

				_, err = s.GetByID(ctx, "rec-00")
				Expect(err).To(MatchError(domain.ErrLogNotFound))
			})
		})
	})
}
