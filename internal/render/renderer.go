// Package render draws a position as a PNG image.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	imagedraw "image/draw"
	"image/png"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/park285/pigeonplay/internal/rules"
)

const (
	defaultSquareSize = 64
	margin            = 20
)

type Options struct {
	SquareSize int
	// PieceDir optionally holds wK.svg..bP.svg.
	PieceDir string
}

// Frame is one picture of the board.
type Frame struct {
	FEN         string
	LastMove    *rules.Move
	Orientation rules.Color
}

type Renderer struct {
	squareSize int
	pieces     *pieceSet
}

func New(opt Options) *Renderer {
	size := opt.SquareSize
	if size <= 0 {
		size = defaultSquareSize
	}
	return &Renderer{squareSize: size, pieces: newPieceSet(opt.PieceDir)}
}

func (r *Renderer) RenderPNG(ctx context.Context, frame Frame) ([]byte, error) {
	img, err := r.Render(ctx, frame)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Renderer) Render(ctx context.Context, frame Frame) (*image.RGBA, error) {
	game, err := rules.FromFEN(frame.FEN)
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	g := geometry{size: r.squareSize, origin: image.Pt(margin, margin), flipped: frame.Orientation == rules.Black}
	total := r.squareSize*8 + margin*2
	img := image.NewRGBA(image.Rect(0, 0, total, total))
	imagedraw.Draw(img, img.Bounds(), image.NewUniform(frameColor), image.Point{}, imagedraw.Src)

	drawSquares(img, g)
	pieces := game.Pieces()
	if frame.LastMove != nil {
		drawHighlight(img, g, *frame.LastMove, pieces)
	}
	if err := r.drawPieces(ctx, img, g, pieces); err != nil {
		return nil, err
	}
	drawCoordinates(img, g)
	return img, nil
}

var (
	lightSquare             = color.RGBA{233, 207, 163, 255}
	darkSquare              = color.RGBA{187, 136, 96, 255}
	frameColor              = color.RGBA{28, 31, 46, 255}
	whiteMoveHighlightFill  = color.NRGBA{R: 255, G: 228, B: 120, A: 140}
	blackMoveHighlightArrow = color.NRGBA{R: 148, G: 207, B: 255, A: 170}
	coordinateTextColor     = color.NRGBA{R: 204, G: 210, B: 236, A: 255}
)

// geometry maps squares to pixels for one orientation.
type geometry struct {
	size    int
	origin  image.Point
	flipped bool
}

func (g geometry) cell(file, rank int) (col, row int) {
	if g.flipped {
		return 7 - file, rank
	}
	return file, 7 - rank
}

func (g geometry) rect(square string) image.Rectangle {
	file, rank := int(square[0]-'a'), int(square[1]-'1')
	col, row := g.cell(file, rank)
	x := g.origin.X + col*g.size
	y := g.origin.Y + row*g.size
	return image.Rect(x, y, x+g.size, y+g.size)
}

func (g geometry) center(square string) pointF {
	r := g.rect(square)
	return pointF{X: float64(r.Min.X + g.size/2), Y: float64(r.Min.Y + g.size/2)}
}

func drawSquares(dst imagedraw.Image, g geometry) {
	for rank := 0; rank < 8; rank++ {
		for file := 0; file < 8; file++ {
			sq := squareName(file, rank)
			imagedraw.Draw(dst, g.rect(sq), image.NewUniform(squareColor(file, rank)), image.Point{}, imagedraw.Src)
		}
	}
}

func (r *Renderer) drawPieces(ctx context.Context, dst imagedraw.Image, g geometry, pieces map[string]string) error {
	for sq, letter := range pieces {
		if err := ctx.Err(); err != nil {
			return err
		}
		img, err := r.pieces.image(letter, g.size)
		if err != nil {
			return err
		}
		imagedraw.Draw(dst, g.rect(sq), img, image.Point{}, imagedraw.Over)
	}
	return nil
}

// drawHighlight fills both squares for a white move and draws an arrow for
// a black one.
func drawHighlight(img *image.RGBA, g geometry, mv rules.Move, pieces map[string]string) {
	if !validSquare(mv.From) || !validSquare(mv.To) {
		return
	}
	if isWhite(pieces[mv.To]) {
		drawSquareOverlay(img, g.rect(mv.From), whiteMoveHighlightFill)
		drawSquareOverlay(img, g.rect(mv.To), whiteMoveHighlightFill)
		return
	}
	drawArrow(img, g, mv.From, mv.To, blackMoveHighlightArrow)
}

func drawSquareOverlay(img *image.RGBA, rect image.Rectangle, clr color.Color) {
	imagedraw.Draw(img, rect, image.NewUniform(clr), image.Point{}, imagedraw.Over)
}

func drawArrow(img *image.RGBA, g geometry, from, to string, clr color.Color) {
	if from == to {
		return
	}
	start, end := g.center(from), g.center(to)
	dx, dy := end.X-start.X, end.Y-start.Y
	length := math.Hypot(dx, dy)
	if length == 0 {
		return
	}

	size := float64(g.size)
	dirX, dirY := dx/length, dy/length
	perpX, perpY := -dirY, dirX

	baseLength := length - size*0.45
	if baseLength < size*0.35 {
		baseLength = length * 0.6
	}
	halfWidth := size * 0.18
	headWidth := size * 0.32

	baseX := start.X + dirX*baseLength
	baseY := start.Y + dirY*baseLength

	fillQuad(img,
		pointF{X: start.X - perpX*halfWidth, Y: start.Y - perpY*halfWidth},
		pointF{X: start.X + perpX*halfWidth, Y: start.Y + perpY*halfWidth},
		pointF{X: baseX + perpX*halfWidth, Y: baseY + perpY*halfWidth},
		pointF{X: baseX - perpX*halfWidth, Y: baseY - perpY*halfWidth},
		clr,
	)
	fillTriangleF(img,
		end,
		pointF{X: baseX - perpX*headWidth/2, Y: baseY - perpY*headWidth/2},
		pointF{X: baseX + perpX*headWidth/2, Y: baseY + perpY*headWidth/2},
		clr,
	)
}

func drawCoordinates(dst imagedraw.Image, g geometry) {
	face := basicfont.Face7x13
	drawer := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(coordinateTextColor),
		Face: face,
	}
	ascent := face.Metrics().Ascent.Ceil()
	for i := 0; i < 8; i++ {
		// i is both a file and a rank index here.
		col, _ := g.cell(i, 0)
		_, row := g.cell(0, i)
		fileX := g.origin.X + col*g.size + g.size/2
		rankY := g.origin.Y + row*g.size + g.size/2 + ascent/2
		drawCenteredText(drawer, string(rune('a'+i)), fileX, g.origin.Y+8*g.size+ascent+2)
		drawCenteredText(drawer, string(rune('1'+i)), g.origin.X/2, rankY)
	}
}

func drawCenteredText(drawer *font.Drawer, text string, centerX, baseline int) {
	width := drawer.MeasureString(text).Round()
	drawer.Dot = fixed.P(centerX-width/2, baseline)
	drawer.DrawString(text)
}

func squareName(file, rank int) string {
	return string([]byte{byte('a' + file), byte('1' + rank)})
}

func validSquare(sq string) bool {
	return len(sq) == 2 && sq[0] >= 'a' && sq[0] <= 'h' && sq[1] >= '1' && sq[1] <= '8'
}

// a1 is dark.
func squareColor(file, rank int) color.Color {
	if (file+rank)%2 == 0 {
		return darkSquare
	}
	return lightSquare
}

func fillQuad(img *image.RGBA, p0, p1, p2, p3 pointF, clr color.Color) {
	fillTriangleF(img, p0, p1, p2, clr)
	fillTriangleF(img, p0, p2, p3, clr)
}

func fillTriangleF(img *image.RGBA, a, b, c pointF, clr color.Color) {
	minX := int(math.Floor(math.Min(a.X, math.Min(b.X, c.X))))
	maxX := int(math.Ceil(math.Max(a.X, math.Max(b.X, c.X))))
	minY := int(math.Floor(math.Min(a.Y, math.Min(b.Y, c.Y))))
	maxY := int(math.Ceil(math.Max(a.Y, math.Max(b.Y, c.Y))))

	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			if pointInTriangle(float64(x)+0.5, float64(y)+0.5, a, b, c) {
				blendPixel(img, x, y, clr)
			}
		}
	}
}

func pointInTriangle(x, y float64, a, b, c pointF) bool {
	denom := (b.Y-c.Y)*(a.X-c.X) + (c.X-b.X)*(a.Y-c.Y)
	if denom == 0 {
		return false
	}
	alpha := ((b.Y-c.Y)*(x-c.X) + (c.X-b.X)*(y-c.Y)) / denom
	beta := ((c.Y-a.Y)*(x-c.X) + (a.X-c.X)*(y-c.Y)) / denom
	gamma := 1 - alpha - beta
	return alpha >= 0 && beta >= 0 && gamma >= 0
}

func blendPixel(img *image.RGBA, x, y int, clr color.Color) {
	if !(image.Point{X: x, Y: y}).In(img.Bounds()) {
		return
	}
	sr, sg, sb, sa := clr.RGBA()
	if sa == 0 {
		return
	}
	dst := img.RGBAAt(x, y)
	// Premultiplied source-over.
	inv := 65535 - sa
	img.SetRGBA(x, y, color.RGBA{
		R: uint8((sr + uint32(dst.R)*257*inv/65535) >> 8),
		G: uint8((sg + uint32(dst.G)*257*inv/65535) >> 8),
		B: uint8((sb + uint32(dst.B)*257*inv/65535) >> 8),
		A: uint8((sa + uint32(dst.A)*257*inv/65535) >> 8),
	})
}

type pointF struct {
	X float64
	Y float64
}
