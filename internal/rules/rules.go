package rules

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	nchess "github.com/corentings/chess/v2"
	"github.com/corentings/chess/v2/opening"
)

var (
	ErrIllegalMove = errors.New("illegal move")
	ErrBadFEN      = errors.New("invalid fen")
)

const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

type Color int

const (
	White Color = iota
	Black
)

func (c Color) String() string {
	if c == Black {
		return "black"
	}
	return "white"
}

func (c Color) Other() Color {
	if c == Black {
		return White
	}
	return Black
}

type Outcome int

const (
	Ongoing Outcome = iota
	WhiteWon
	BlackWon
	Draw
)

func (o Outcome) String() string {
	switch o {
	case WhiteWon:
		return "1-0"
	case BlackWon:
		return "0-1"
	case Draw:
		return "1/2-1/2"
	default:
		return "*"
	}
}

type Move struct {
	From      string
	To        string
	Promotion string
}

func (m Move) UCI() string {
	return m.From + m.To + m.Promotion
}

func (m Move) String() string { return m.UCI() }

// Dests maps an origin square to its legal destination squares.
type Dests map[string][]string

// Origins returns the origin squares sorted a1, b1, ... h8.
func (d Dests) Origins() []string {
	out := make([]string, 0, len(d))
	for sq := range d {
		out = append(out, sq)
	}
	sortSquares(out)
	return out
}

func (d Dests) Contains(from, to string) bool {
	for _, sq := range d[from] {
		if sq == to {
			return true
		}
	}
	return false
}

// Game holds the single mutable position of one side of the bridge.
type Game struct {
	game *nchess.Game
}

func NewGame() *Game {
	return &Game{game: nchess.NewGame()}
}

func FromFEN(fen string) (*Game, error) {
	fen = strings.TrimSpace(fen)
	if fen == "" || fen == "startpos" {
		return NewGame(), nil
	}
	option, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrBadFEN, fen, err)
	}
	return &Game{game: nchess.NewGame(option)}, nil
}

func (g *Game) Reset() {
	g.game = nchess.NewGame()
}

func (g *Game) FEN() string {
	return g.game.FEN()
}

func (g *Game) Turn() Color {
	if g.game.Position().Turn() == nchess.Black {
		return Black
	}
	return White
}

// Dests recomputes the legal-destination map for the side to move.
func (g *Game) Dests() Dests {
	dests := make(Dests)
	if g.Outcome() != Ongoing {
		return dests
	}
	seen := make(map[string]struct{})
	for _, mv := range g.game.ValidMoves() {
		parsed, ok := parseUCI(mv.String())
		if !ok {
			continue
		}
		key := parsed.From + parsed.To
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		dests[parsed.From] = append(dests[parsed.From], parsed.To)
	}
	for from := range dests {
		sortSquares(dests[from])
	}
	return dests
}

// Move applies a strictly specified move. A promotion without a piece
// defaults to a queen.
func (g *Game) Move(from, to, promotion string) (Move, error) {
	mv := Move{
		From:      strings.ToLower(strings.TrimSpace(from)),
		To:        strings.ToLower(strings.TrimSpace(to)),
		Promotion: strings.ToLower(strings.TrimSpace(promotion)),
	}
	legal := g.legalUCI()
	if _, ok := legal[mv.UCI()]; !ok {
		if mv.Promotion != "" {
			return Move{}, fmt.Errorf("%w: %s", ErrIllegalMove, mv.UCI())
		}
		mv.Promotion = "q"
		if _, ok := legal[mv.UCI()]; !ok {
			return Move{}, fmt.Errorf("%w: %s%s", ErrIllegalMove, mv.From, mv.To)
		}
	}
	if err := g.game.PushNotationMove(mv.UCI(), nchess.UCINotation{}, nil); err != nil {
		return Move{}, fmt.Errorf("%w: %s: %v", ErrIllegalMove, mv.UCI(), err)
	}
	return mv, nil
}

var coordMove = regexp.MustCompile(`^[kqrbn]?([a-h][1-8])[-x:]?([a-h][1-8])=?([qrbn])?[+#!?]*$`)

// MoveSloppy matches loosely formatted move text against the legal moves:
// coordinate forms (e7e5, E7-E5, Ng1-f3, e7e8=Q) first, then SAN.
func (g *Game) MoveSloppy(text string) (Move, error) {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return Move{}, fmt.Errorf("%w: empty", ErrIllegalMove)
	}
	if m := coordMove.FindStringSubmatch(strings.ToLower(raw)); m != nil {
		if mv, err := g.Move(m[1], m[2], m[3]); err == nil {
			return mv, nil
		}
	}

	san := strings.ReplaceAll(raw, "0", "O")
	for _, candidate := range []string{raw, san, strings.TrimRight(raw, "+#!?")} {
		before := g.game.Position()
		mv, err := nchess.AlgebraicNotation{}.Decode(before, candidate)
		if err != nil {
			continue
		}
		uci := nchess.UCINotation{}.Encode(before, mv)
		parsed, ok := parseUCI(uci)
		if !ok {
			continue
		}
		return g.Move(parsed.From, parsed.To, parsed.Promotion)
	}
	return Move{}, fmt.Errorf("%w: %q", ErrIllegalMove, raw)
}

func (g *Game) Outcome() Outcome {
	switch g.game.Outcome() {
	case nchess.WhiteWon:
		return WhiteWon
	case nchess.BlackWon:
		return BlackWon
	case nchess.Draw:
		return Draw
	default:
		return Ongoing
	}
}

func (g *Game) Method() string {
	return strings.ToLower(g.game.Method().String())
}

func (g *Game) LastMove() (Move, bool) {
	moves := g.game.Moves()
	if len(moves) == 0 {
		return Move{}, false
	}
	return parseUCI(moves[len(moves)-1].String())
}

func (g *Game) MoveCount() int {
	return len(g.game.Moves())
}

// Opening returns the ECO code and title of the line played so far.
func (g *Game) Opening() (string, string) {
	book := ecoBook()
	if book == nil {
		return "", ""
	}
	if eco := book.Find(g.game.Moves()); eco != nil {
		return eco.Code(), eco.Title()
	}
	return "", ""
}

var (
	ecoOnce  sync.Once
	ecoTable *opening.BookECO
)

// ecoBook parses the embedded ECO table once per process.
func ecoBook() *opening.BookECO {
	ecoOnce.Do(func() { ecoTable = opening.NewBookECO() })
	return ecoTable
}

// Pieces maps occupied squares to FEN piece letters.
func (g *Game) Pieces() map[string]string {
	out := make(map[string]string)
	for sq, piece := range g.game.Position().Board().SquareMap() {
		if piece == nchess.NoPiece {
			continue
		}
		out[sq.String()] = pieceLetter(piece)
	}
	return out
}

func (g *Game) Clone() *Game {
	return &Game{game: g.game.Clone()}
}

func (g *Game) legalUCI() map[string]struct{} {
	set := make(map[string]struct{})
	for _, mv := range g.game.ValidMoves() {
		set[strings.ToLower(mv.String())] = struct{}{}
	}
	return set
}

func parseUCI(s string) (Move, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 4 || len(s) > 5 {
		return Move{}, false
	}
	mv := Move{From: s[0:2], To: s[2:4]}
	if len(s) == 5 {
		mv.Promotion = s[4:5]
	}
	if !validSquare(mv.From) || !validSquare(mv.To) {
		return Move{}, false
	}
	return mv, true
}

// ParseUCI splits a coordinate move string without checking legality.
func ParseUCI(s string) (Move, bool) { return parseUCI(s) }

func validSquare(sq string) bool {
	return len(sq) == 2 && sq[0] >= 'a' && sq[0] <= 'h' && sq[1] >= '1' && sq[1] <= '8'
}

func sortSquares(squares []string) {
	sort.Slice(squares, func(i, j int) bool {
		a, b := squares[i], squares[j]
		if a[1] != b[1] {
			return a[1] < b[1]
		}
		return a[0] < b[0]
	})
}

func pieceLetter(p nchess.Piece) string {
	var letter string
	switch p.Type() {
	case nchess.King:
		letter = "k"
	case nchess.Queen:
		letter = "q"
	case nchess.Rook:
		letter = "r"
	case nchess.Bishop:
		letter = "b"
	case nchess.Knight:
		letter = "n"
	case nchess.Pawn:
		letter = "p"
	default:
		return ""
	}
	if p.Color() == nchess.White {
		return strings.ToUpper(letter)
	}
	return letter
}
