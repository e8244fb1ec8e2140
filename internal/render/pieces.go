package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

type pieceCacheKey struct {
	letter string
	size   int
}

// pieceSet rasterizes pieces from SVG, either from a theme directory
// holding wK.svg..bP.svg or from built-in disc glyphs.
type pieceSet struct {
	theme fs.FS

	mu    sync.RWMutex
	cache map[pieceCacheKey]image.Image
}

func newPieceSet(dir string) *pieceSet {
	p := &pieceSet{cache: make(map[pieceCacheKey]image.Image)}
	if strings.TrimSpace(dir) != "" {
		p.theme = os.DirFS(dir)
	}
	return p
}

func (p *pieceSet) image(letter string, size int) (image.Image, error) {
	key := pieceCacheKey{letter: letter, size: size}

	p.mu.RLock()
	if img, ok := p.cache[key]; ok {
		p.mu.RUnlock()
		return img, nil
	}
	p.mu.RUnlock()

	img, err := p.render(letter, size)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[key] = img
	p.mu.Unlock()
	return img, nil
}

func (p *pieceSet) render(letter string, size int) (image.Image, error) {
	if p.theme != nil {
		name := pieceAssetName(letter)
		data, err := fs.ReadFile(p.theme, name)
		if err == nil {
			return rasterize(sanitizeSVG(data), size)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read piece asset %s: %w", name, err)
		}
	}

	img, err := rasterize(discSVG(letter), size)
	if err != nil {
		return nil, err
	}
	drawGlyph(img, letter)
	return img, nil
}

func rasterize(svg []byte, size int) (*image.RGBA, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(svg))
	if err != nil {
		return nil, fmt.Errorf("parse piece svg: %w", err)
	}
	if icon.ViewBox.W <= 0 {
		icon.ViewBox.W = float64(size)
	}
	if icon.ViewBox.H <= 0 {
		icon.ViewBox.H = float64(size)
	}
	icon.SetTarget(0, 0, float64(size), float64(size))

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Transparent), image.Point{}, draw.Src)

	scanner := rasterx.NewScannerGV(size, size, img, img.Bounds())
	raster := rasterx.NewDasher(size, size, scanner)
	icon.Draw(raster, 1.0)
	return img, nil
}

func isWhite(letter string) bool {
	return letter != "" && letter[0] >= 'A' && letter[0] <= 'Z'
}

func discSVG(letter string) []byte {
	fill, stroke := "#262626", "#f0f0f0"
	if isWhite(letter) {
		fill, stroke = "#f8f6ee", "#202020"
	}
	return fmt.Appendf(nil,
		`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 64 64">`+
			`<circle cx="32" cy="32" r="26" fill="%s" stroke="%s" stroke-width="3"/>`+
			`</svg>`, fill, stroke)
}

// drawGlyph stamps the piece letter, scaled up from the 7x13 bitmap font,
// onto the middle of the disc.
func drawGlyph(dst *image.RGBA, letter string) {
	face := basicfont.Face7x13
	ink := color.RGBA{32, 32, 32, 255}
	if !isWhite(letter) {
		ink = color.RGBA{240, 240, 240, 255}
	}

	glyph := image.NewRGBA(image.Rect(0, 0, face.Advance, face.Height))
	d := &font.Drawer{
		Dst:  glyph,
		Src:  image.NewUniform(ink),
		Face: face,
		Dot:  fixed.P(0, face.Ascent),
	}
	d.DrawString(strings.ToUpper(letter))

	size := dst.Bounds().Dx()
	h := size / 2
	w := h * face.Advance / face.Height
	x := (size - w) / 2
	y := (size - h) / 2
	xdraw.NearestNeighbor.Scale(dst, image.Rect(x, y, x+w, y+h), glyph, glyph.Bounds(), xdraw.Over, nil)
}

func pieceAssetName(letter string) string {
	prefix := "b"
	if isWhite(letter) {
		prefix = "w"
	}
	return fmt.Sprintf("%s%s.svg", prefix, strings.ToUpper(letter))
}
