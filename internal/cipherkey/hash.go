package cipherkey

// ChallengeHash applies the firmware's discovery transform. The output has
// the same length as the input; an empty input yields an empty output.
func ChallengeHash(in []byte) []byte {
	if len(in) == 0 {
		return []byte{}
	}

	out := make([]byte, len(in))
	out[0] = in[0] ^ in[len(in)-1]
	for i := 1; i < len(in); i++ {
		a := out[i-1] % 13
		b := in[i] % 19
		out[i] = byte((int(a) + 1) * (int(b) + 1))
	}
	return out
}
