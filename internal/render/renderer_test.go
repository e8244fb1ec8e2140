package render

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/park285/pigeonplay/internal/rules"
)

func rgbaAt(img *image.RGBA, x, y int) color.RGBA {
	return img.RGBAAt(x, y)
}

func TestRenderPNGDecodes(t *testing.T) {
	raw, err := New(Options{}).RenderPNG(context.Background(), Frame{FEN: rules.StartFEN})
	if err != nil {
		t.Fatalf("RenderPNG: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := defaultSquareSize*8 + margin*2
	if b := img.Bounds(); b.Dx() != want || b.Dy() != want {
		t.Fatalf("unexpected size %v", b)
	}
}

func TestOrientation(t *testing.T) {
	r := New(Options{SquareSize: 40})
	ctx := context.Background()

	white, err := r.Render(ctx, Frame{FEN: rules.StartFEN})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	// Corner of a1 is bottom-left from white's side.
	if got := rgbaAt(white, margin+1, margin+7*40+1); got != darkSquare {
		t.Fatalf("expected dark a1 bottom-left, got %v", got)
	}

	black, err := r.Render(ctx, Frame{FEN: rules.StartFEN, Orientation: rules.Black})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got := rgbaAt(black, margin+7*40+1, margin+1); got != darkSquare {
		t.Fatalf("expected dark a1 top-right when flipped, got %v", got)
	}
}

func TestLastMoveHighlight(t *testing.T) {
	r := New(Options{SquareSize: 40})
	fen := "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1"
	plain, err := r.Render(context.Background(), Frame{FEN: fen})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	lit, err := r.Render(context.Background(), Frame{FEN: fen, LastMove: &rules.Move{From: "e2", To: "e4"}})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	// e2 is empty after the move; compare a corner pixel.
	x, y := margin+4*40+1, margin+6*40+1
	if rgbaAt(plain, x, y) == rgbaAt(lit, x, y) {
		t.Fatalf("expected e2 to be highlighted")
	}
}

func TestRenderRejectsBadFEN(t *testing.T) {
	if _, err := New(Options{}).Render(context.Background(), Frame{FEN: "nope"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRenderHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(Options{}).Render(ctx, Frame{FEN: rules.StartFEN}); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestThemeDirOverridesPiece(t *testing.T) {
	dir := t.TempDir()
	svg := `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 10 10"><rect x="0" y="0" width="10" height="10" style="fill: #ff0000"/></svg>`
	if err := os.WriteFile(filepath.Join(dir, "wK.svg"), []byte(svg), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	p := newPieceSet(dir)
	img, err := p.image("K", 20)
	if err != nil {
		t.Fatalf("image: %v", err)
	}
	r, g, b, _ := img.At(10, 10).RGBA()
	if r>>8 < 200 || g>>8 > 40 || b>>8 > 40 {
		t.Fatalf("expected themed red king, got %d %d %d", r>>8, g>>8, b>>8)
	}
	// Missing theme files fall back to the built-in glyph.
	if _, err := p.image("q", 20); err != nil {
		t.Fatalf("fallback: %v", err)
	}
}

func TestSanitizeSVG(t *testing.T) {
	got := string(sanitizeSVG([]byte(`style="fill: #fff; stroke: 000000"`)))
	if got != `style="fill:#fff; stroke:#000000"` {
		t.Fatalf("unexpected %s", got)
	}
}

func TestPieceAssetName(t *testing.T) {
	if pieceAssetName("K") != "wK.svg" || pieceAssetName("n") != "bN.svg" {
		t.Fatalf("unexpected asset names")
	}
}
