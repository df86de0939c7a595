package fec

// GF(2^8) arithmetic with primitive polynomial x^8+x^4+x^3+x^2+1 (0x11d) and
// generator alpha = 2.

const primitive = 0x11d

var (
	gfExp [512]byte
	gfLog [256]int
)

func init() {
	x := 1
	for i := 0; i < 255; i++ {
		gfExp[i] = byte(x)
		gfLog[x] = i
		x <<= 1
		if x&0x100 != 0 {
			x ^= primitive
		}
	}
	for i := 255; i < len(gfExp); i++ {
		gfExp[i] = gfExp[i-255]
	}
}

func gfMul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return gfExp[gfLog[a]+gfLog[b]]
}

func gfDiv(a, b byte) byte {
	if b == 0 {
		panic("fec: division by zero")
	}
	if a == 0 {
		return 0
	}
	return gfExp[(gfLog[a]+255-gfLog[b])%255]
}

func gfInv(a byte) byte {
	return gfExp[255-gfLog[a]]
}

// gfPowAlpha returns alpha^e.
func gfPowAlpha(e int) byte {
	e %= 255
	if e < 0 {
		e += 255
	}
	return gfExp[e]
}

// polyMul multiplies polynomials stored highest degree first.
func polyMul(p, q []byte) []byte {
	out := make([]byte, len(p)+len(q)-1)
	for i, a := range p {
		if a == 0 {
			continue
		}
		for j, b := range q {
			out[i+j] ^= gfMul(a, b)
		}
	}
	return out
}

// polyEval evaluates a highest-degree-first polynomial at x.
func polyEval(p []byte, x byte) byte {
	var y byte
	for _, c := range p {
		y = gfMul(y, x) ^ c
	}
	return y
}

// generator returns prod_{i<parity} (x - alpha^i), highest degree first.
func generator(parity int) []byte {
	g := []byte{1}
	for i := 0; i < parity; i++ {
		g = polyMul(g, []byte{1, gfPowAlpha(i)})
	}
	return g
}
