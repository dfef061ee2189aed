package remote

import "attnd/internal/lm"

func genOpts(maxNew, pad int) lm.GenerateOptions {
	return lm.GenerateOptions{MaxNewTokens: maxNew, NumReturnSequences: 1, PadTokenID: pad}
}

func lmForward() lm.ForwardOptions {
	return lm.ForwardOptions{OutputAttentions: true}
}
