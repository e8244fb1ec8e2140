package book

import (
	"fmt"
	"io"
	"os"
	"strings"

	chesslib "github.com/corentings/chess/v2"
)

// Entry is one book move for a position.
type Entry struct {
	Move   string
	Weight uint16
}

// Source yields candidate book moves for a position.
type Source interface {
	Moves(fen string) ([]Entry, error)
}

// Polyglot reads moves from a Polyglot .bin book.
type Polyglot struct {
	book   *chesslib.PolyglotBook
	hasher *chesslib.ZobristHasher
}

func LoadPolyglot(r io.Reader) (*Polyglot, error) {
	b, err := chesslib.LoadFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("load polyglot book: %w", err)
	}
	return &Polyglot{book: b, hasher: chesslib.NewZobristHasher()}, nil
}

func LoadPolyglotFile(path string) (*Polyglot, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("polyglot book path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open polyglot book %q: %w", path, err)
	}
	defer file.Close()

	p, err := LoadPolyglot(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func (p *Polyglot) Moves(fen string) ([]Entry, error) {
	hashStr, err := p.hasher.HashPosition(fen)
	if err != nil {
		return nil, fmt.Errorf("compute polyglot hash: %w", err)
	}
	found := p.book.FindMoves(chesslib.ZobristHashToUint64(hashStr))
	if len(found) == 0 {
		return nil, nil
	}
	out := make([]Entry, 0, len(found))
	for _, e := range found {
		move := chesslib.DecodeMove(e.Move).ToMove()
		out = append(out, Entry{Move: move.String(), Weight: e.Weight})
	}
	return out, nil
}

// castleFix maps Polyglot king-takes-rook castling to UCI.
func castleFix(uci string) string {
	switch uci {
	case "e1h1":
		return "e1g1"
	case "e1a1":
		return "e1c1"
	case "e8h8":
		return "e8g8"
	case "e8a8":
		return "e8c8"
	}
	return uci
}
