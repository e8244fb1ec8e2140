package render

import "bytes"

// Theme files exported by some editors carry style values oksvg rejects.
var svgFixes = [][2]string{
	{"fill:000000", "fill:#000000"},
	{"fill: 000000", "fill:#000000"},
	{"stroke: 000000", "stroke:#000000"},
	{"fill: #", "fill:#"},
	{"stroke: #", "stroke:#"},
	{"stop-color: #", "stop-color:#"},
}

func sanitizeSVG(svg []byte) []byte {
	out := svg
	for _, fix := range svgFixes {
		out = bytes.ReplaceAll(out, []byte(fix[0]), []byte(fix[1]))
	}
	return out
}
