package scanning

import (
	"image"
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/snapledger/internal/vision"
)

func observationsWithHeights(heights ...float64) []vision.Observation {
	observations := make([]vision.Observation, len(heights))
	for i, h := range heights {
		observations[i] = vision.Observation{
			Text:       string(rune('a' + i)),
			Confidence: 0.9,
			Box:        vision.BoundingBox{Height: h / 1000},
		}
	}
	return observations
}

func priorities(fragments []Fragment) []int {
	out := make([]int, len(fragments))
	for i, f := range fragments {
		out[i] = f.Priority
	}
	return out
}

var _ = Describe("Rank", func() {
	var (
		observations []vision.Observation
		fragments    []Fragment
	)

	JustBeforeEach(func() {
		fragments = Rank(observations, image.Pt(500, 1000))
	})

	When("there are no observations", func() {
		BeforeEach(func() {
			observations = nil
		})

		It("should return an empty result", func() {
			Expect(fragments).NotTo(BeNil())
			Expect(fragments).To(BeEmpty())
		})
	})

	When("heights are distinct", func() {
		BeforeEach(func() {
			observations = observationsWithHeights(10, 40, 20)
		})

		It("should sort tallest first", func() {
			Expect(fragments[0].Text).To(Equal("b"))
			Expect(fragments[1].Text).To(Equal("c"))
			Expect(fragments[2].Text).To(Equal("a"))
		})

		It("should assign positional priorities", func() {
			Expect(priorities(fragments)).To(Equal([]int{1, 2, 3}))
		})

		It("should compute rendered height in pixels", func() {
			Expect(fragments[0].Height).To(BeNumerically("~", 40, 1e-9))
		})
	})

	When("two fragments tie at positions 3 and 4", func() {
		BeforeEach(func() {
			observations = observationsWithHeights(30, 20, 10, 10, 5)
		})

		It("should share the rank and jump to the positional rank afterwards", func() {
			Expect(priorities(fragments)).To(Equal([]int{1, 2, 3, 3, 5}))
		})
	})

	When("every fragment has the same height", func() {
		BeforeEach(func() {
			observations = observationsWithHeights(12, 12, 12)
		})

		It("should give all of them priority 1", func() {
			Expect(priorities(fragments)).To(Equal([]int{1, 1, 1}))
		})

		It("should keep OCR order among ties", func() {
			Expect(fragments[0].Text).To(Equal("a"))
			Expect(fragments[2].Text).To(Equal("c"))
		})
	})

	When("heights are random", func() {
		BeforeEach(func() {
			r := rand.New(rand.NewSource(42))
			heights := make([]float64, 200)
			for i := range heights {
				heights[i] = float64(r.Intn(12))
			}
			observations = observationsWithHeights(heights...)
		})

		It("should keep ranks non-decreasing and equal for equal heights", func() {
			for i := 1; i < len(fragments); i++ {
				prev, cur := fragments[i-1], fragments[i]
				Expect(cur.Height).To(BeNumerically("<=", prev.Height))
				if cur.Height == prev.Height {
					Expect(cur.Priority).To(Equal(prev.Priority))
				} else {
					Expect(cur.Priority).To(Equal(i + 1))
				}
			}
		})

		It("should be deterministic", func() {
			again := Rank(observations, image.Pt(500, 1000))
			Expect(again).To(Equal(fragments))
		})
	})
})
