package matching

import (
	"context"
	"errors"
	"image"
	"image/color"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/snapledger/internal/record"
	"github.com/zombor/snapledger/internal/vision"
)

// tableComparer returns distances keyed by the first byte of the other print
type tableComparer struct {
	distances map[byte]float64
	errs      map[byte]error
	calls     int
}

func (c *tableComparer) Distance(a, b vision.FeaturePrint) (float64, error) {
	c.calls++
	if a.Revision != b.Revision {
		return 0, vision.ErrRevisionMismatch
	}
	if err := c.errs[b.Data[0]]; err != nil {
		return 0, err
	}
	return c.distances[b.Data[0]], nil
}

func gradient(w, h int) image.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.Gray{Y: uint8(x * 4)})
		}
	}
	return img
}

func printed(id, seriesID string, key byte, revision int) *record.Record {
	return &record.Record{
		ID:          id,
		SeriesID:    seriesID,
		Fingerprint: &vision.FeaturePrint{Data: []byte{key}, Revision: revision},
	}
}

var _ = Describe("Matcher", func() {
	var (
		comparer *tableComparer
		matcher  *Matcher
		target   *record.Record
		history  []*record.Record
		match    *Match
		ok       bool
	)

	BeforeEach(func() {
		comparer = &tableComparer{distances: map[byte]float64{}, errs: map[byte]error{}}
		target = printed("target", "", 0, 1)
		history = nil
	})

	JustBeforeEach(func() {
		matcher = NewMatcher(comparer, DefaultThreshold)
		match, ok = matcher.Match(target, history)
	})

	When("one series is clearly closer", func() {
		BeforeEach(func() {
			comparer.distances[1] = 0.10
			comparer.distances[2] = 0.20
			comparer.distances[3] = 0.40
			history = []*record.Record{
				printed("a1", "A", 1, 1),
				printed("a2", "A", 2, 1),
				printed("b1", "B", 3, 1),
			}
		})

		It("should assign the closer series", func() {
			Expect(ok).To(BeTrue())
			Expect(match.SeriesID).To(Equal("A"))
			Expect(match.AverageDistance).To(BeNumerically("~", 0.15, 1e-9))
			Expect(match.Comparisons).To(Equal(2))
		})
	})

	When("every series is too far away", func() {
		BeforeEach(func() {
			comparer.distances[1] = 0.30
			comparer.distances[2] = 0.30
			history = []*record.Record{
				printed("a1", "A", 1, 1),
				printed("b1", "B", 2, 1),
			}
		})

		It("should not assign a series", func() {
			Expect(ok).To(BeFalse())
			Expect(match).To(BeNil())
		})
	})

	When("the closest average sits exactly on the threshold", func() {
		BeforeEach(func() {
			comparer.distances[1] = 0.25
			history = []*record.Record{printed("a1", "A", 1, 1)}
		})

		It("should not assign a series", func() {
			Expect(ok).To(BeFalse())
		})
	})

	When("the closest average is just below the threshold", func() {
		BeforeEach(func() {
			comparer.distances[1] = 0.2499
			history = []*record.Record{printed("a1", "A", 1, 1)}
		})

		It("should assign the series", func() {
			Expect(ok).To(BeTrue())
			Expect(match.SeriesID).To(Equal("A"))
		})
	})

	When("two series tie", func() {
		BeforeEach(func() {
			comparer.distances[1] = 0.1
			comparer.distances[2] = 0.1
			history = []*record.Record{
				printed("b1", "B", 2, 1),
				printed("a1", "A", 1, 1),
			}
		})

		It("should prefer the first series seen", func() {
			Expect(match.SeriesID).To(Equal("B"))
		})
	})

	When("the target has no fingerprint", func() {
		BeforeEach(func() {
			target.Fingerprint = nil
			history = []*record.Record{printed("a1", "A", 1, 1)}
		})

		It("should return no match without comparing", func() {
			Expect(ok).To(BeFalse())
			Expect(comparer.calls).To(BeZero())
		})
	})

	When("history contains ineligible records", func() {
		BeforeEach(func() {
			comparer.distances[0] = 0.0
			comparer.distances[1] = 0.0
			comparer.distances[2] = 0.0
			unassigned := printed("u1", "", 1, 1)
			noPrint := &record.Record{ID: "n1", SeriesID: "C"}
			history = []*record.Record{
				printed("target", "Self", 0, 1),
				unassigned,
				noPrint,
				printed("old", "Old", 2, 2),
			}
		})

		It("should ignore them all", func() {
			Expect(ok).To(BeFalse())
			Expect(comparer.calls).To(BeZero())
		})
	})

	When("a series has only failed comparisons", func() {
		BeforeEach(func() {
			comparer.errs[1] = errors.New("corrupt print")
			comparer.distances[2] = 0.2
			history = []*record.Record{
				printed("a1", "A", 1, 1),
				printed("b1", "B", 2, 1),
			}
		})

		It("should exclude that series rather than treat it as identical", func() {
			Expect(ok).To(BeTrue())
			Expect(match.SeriesID).To(Equal("B"))
		})
	})

	When("some comparisons in a series fail", func() {
		BeforeEach(func() {
			comparer.errs[1] = errors.New("corrupt print")
			comparer.distances[2] = 0.1
			history = []*record.Record{
				printed("a1", "A", 1, 1),
				printed("a2", "A", 2, 1),
			}
		})

		It("should average only the valid comparisons", func() {
			Expect(match.AverageDistance).To(BeNumerically("~", 0.1, 1e-9))
			Expect(match.Comparisons).To(Equal(1))
		})
	})

	When("history is empty", func() {
		It("should return no match", func() {
			Expect(ok).To(BeFalse())
		})
	})
})

var _ = Describe("NewMatcher", func() {
	It("should fall back to the default threshold", func() {
		Expect(NewMatcher(nil, 0).Threshold()).To(Equal(DefaultThreshold))
		Expect(NewMatcher(nil, 0.4).Threshold()).To(Equal(0.4))
	})
})

var _ = Describe("Matcher with perceptual hashes", func() {
	It("should match a screenshot to the series of an identical one", func() {
		hasher := vision.NewPerceptualHasher()
		img := gradient(64, 64)
		fp, err := hasher.FeaturePrint(context.Background(), img)
		Expect(err).NotTo(HaveOccurred())

		target := &record.Record{ID: "t", Fingerprint: &fp}
		member := &record.Record{ID: "m", SeriesID: "S", Fingerprint: &fp}

		match, ok := NewMatcher(hasher, DefaultThreshold).Match(target, []*record.Record{member})
		Expect(ok).To(BeTrue())
		Expect(match.SeriesID).To(Equal("S"))
		Expect(match.AverageDistance).To(BeZero())
	})
})
