package corpus

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
)

// Hash is an average-hash of an image sampled on a hashSize x hashSize grid,
// so hashSize*hashSize bits total. With the default size of 8 it fits a
// single 64-bit word; larger sizes spill into more words.
type Hash struct {
	bits []uint64
	size int
}

// ComputeHash decodes the image and computes its average-hash.
func ComputeHash(imageData []byte, hashSize int) (Hash, error) {
	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return Hash{}, fmt.Errorf("decode image: %w", err)
	}
	return averageHash(img, hashSize), nil
}

// averageHash resizes to hashSize x hashSize, grayscales, and sets a bit for
// every pixel brighter than the mean.
func averageHash(img image.Image, hashSize int) Hash {
	resized := resizeImage(img, hashSize, hashSize)
	gray := toGrayscale(resized)

	var sum float64
	for x := 0; x < hashSize; x++ {
		for y := 0; y < hashSize; y++ {
			sum += gray[x][y]
		}
	}
	mean := sum / float64(hashSize*hashSize)

	nbits := hashSize * hashSize
	h := Hash{bits: make([]uint64, (nbits+63)/64), size: hashSize}
	bit := 0
	for y := 0; y < hashSize; y++ {
		for x := 0; x < hashSize; x++ {
			if gray[x][y] > mean {
				h.bits[bit/64] |= 1 << (bit % 64)
			}
			bit++
		}
	}
	return h
}

// Distance is the Hamming distance in bits between two hashes of equal size.
func (h Hash) Distance(other Hash) int {
	distance := 0
	for i := range h.bits {
		xor := h.bits[i] ^ other.bits[i]
		for xor != 0 {
			distance++
			xor &= xor - 1
		}
	}
	return distance
}

// Equal reports an exact hash collision.
func (h Hash) Equal(other Hash) bool {
	if h.size != other.size || len(h.bits) != len(other.bits) {
		return false
	}
	for i := range h.bits {
		if h.bits[i] != other.bits[i] {
			return false
		}
	}
	return true
}

// String renders the hash as hex, one 16-char group per word.
func (h Hash) String() string {
	var buf bytes.Buffer
	for _, w := range h.bits {
		fmt.Fprintf(&buf, "%016x", w)
	}
	return buf.String()
}

// resizeImage scales an image to the specified dimensions.
func resizeImage(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// toGrayscale converts an image to a 2D array of grayscale values (0-255).
func toGrayscale(img *image.RGBA) [][]float64 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	gray := make([][]float64, width)
	for x := 0; x < width; x++ {
		gray[x] = make([]float64, height)
		for y := 0; y < height; y++ {
			r, g, b, _ := img.At(x, y).RGBA()
			// ITU-R BT.601 luma formula.
			gray[x][y] = 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
		}
	}
	return gray
}
