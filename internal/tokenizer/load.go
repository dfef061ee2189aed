package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"

	"attnd/internal/common/fsutil"
)

const endOfText = "<|endoftext|>"

// Files that LoadDir understands.
const (
	FileTokenizerJSON    = "tokenizer.json"
	FileVocabJSON        = "vocab.json"
	FileMergesTXT        = "merges.txt"
	FileTokenizerConfig  = "tokenizer_config.json"
	FileSpecialTokensMap = "special_tokens_map.json"
)

type tokenizerJSON struct {
	Model struct {
		Type     string            `json:"type"`
		Vocab    map[string]int    `json:"vocab"`
		Merges   []json.RawMessage `json:"merges"`
		UnkToken *string           `json:"unk_token"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	PreTokenizer *preTokenizer `json:"pre_tokenizer"`
}

type preTokenizer struct {
	Type          string         `json:"type"`
	Pattern       *splitPattern  `json:"pattern"`
	Pretokenizers []preTokenizer `json:"pretokenizers"`
}

type splitPattern struct {
	Regex string `json:"Regex"`
}

// tokenValue accepts either "tok" or {"content": "tok", ...}.
type tokenValue string

func (v *tokenValue) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*v = tokenValue(s)
		return nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*v = tokenValue(obj.Content)
	return nil
}

type specialTokens struct {
	BOS *tokenValue `json:"bos_token"`
	EOS *tokenValue `json:"eos_token"`
	Pad *tokenValue `json:"pad_token"`
	Unk *tokenValue `json:"unk_token"`
}

type tokenizerConfig struct {
	specialTokens
	CleanupSpaces      *bool `json:"clean_up_tokenization_spaces"`
	AddedTokensDecoder map[string]struct {
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens_decoder"`
}

// LoadDir loads a BPE tokenizer from a model directory. tokenizer.json is
// preferred; vocab.json plus merges.txt is the fallback. tokenizer_config.json
// and special_tokens_map.json are optional.
func LoadDir(dir string) (*BPE, error) {
	var (
		vocab   map[string]int
		merges  []string
		opts    = BPEOptions{Specials: map[string]bool{}}
		unkHint *string
	)

	tokPath := filepath.Join(dir, FileTokenizerJSON)
	switch {
	case fsutil.FileExists(tokPath):
		tj, err := readTokenizerJSON(tokPath)
		if err != nil {
			return nil, err
		}
		vocab = tj.Model.Vocab
		if merges, err = parseMerges(tj.Model.Merges); err != nil {
			return nil, fmt.Errorf("parse %s merges: %w", FileTokenizerJSON, err)
		}
		for _, at := range tj.AddedTokens {
			if _, ok := vocab[at.Content]; !ok {
				vocab[at.Content] = at.ID
			}
			opts.Specials[at.Content] = at.Special
		}
		opts.Pattern = splitRegex(tj.PreTokenizer)
		unkHint = tj.Model.UnkToken
	case fsutil.FileExists(filepath.Join(dir, FileVocabJSON)):
		if err := readJSON(filepath.Join(dir, FileVocabJSON), &vocab); err != nil {
			return nil, err
		}
		raw, err := os.ReadFile(filepath.Join(dir, FileMergesTXT))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", FileMergesTXT, err)
		}
		merges = strings.Split(string(raw), "\n")
	default:
		return nil, fmt.Errorf("no %s or %s in %s", FileTokenizerJSON, FileVocabJSON, dir)
	}

	var cfg tokenizerConfig
	if p := filepath.Join(dir, FileTokenizerConfig); fsutil.FileExists(p) {
		if err := readJSON(p, &cfg); err != nil {
			return nil, err
		}
	}
	var stm specialTokens
	if p := filepath.Join(dir, FileSpecialTokensMap); fsutil.FileExists(p) {
		if err := readJSON(p, &stm); err != nil {
			return nil, err
		}
	}
	for _, at := range cfg.AddedTokensDecoder {
		if _, ok := vocab[at.Content]; ok {
			if prev, seen := opts.Specials[at.Content]; !seen || !prev {
				opts.Specials[at.Content] = at.Special
			}
		}
	}

	// GPT-2 style vocabularies use <|endoftext|> for bos, eos and unk unless
	// told otherwise.
	_, hasEOT := vocab[endOfText]
	pick := func(fromCfg, fromMap *tokenValue, fallback string) string {
		if fromCfg != nil {
			return string(*fromCfg)
		}
		if fromMap != nil {
			return string(*fromMap)
		}
		return fallback
	}
	def := ""
	if hasEOT {
		def = endOfText
		if _, ok := opts.Specials[endOfText]; !ok {
			opts.Specials[endOfText] = true
		}
	}
	opts.BOSToken = pick(cfg.BOS, stm.BOS, def)
	opts.EOSToken = pick(cfg.EOS, stm.EOS, def)
	opts.PadToken = pick(cfg.Pad, stm.Pad, "")
	unkDef := def
	if unkHint != nil {
		unkDef = *unkHint
	}
	opts.UnkToken = pick(cfg.Unk, stm.Unk, unkDef)
	for _, tok := range []*string{&opts.BOSToken, &opts.EOSToken, &opts.PadToken, &opts.UnkToken} {
		if _, ok := vocab[*tok]; !ok {
			*tok = ""
		}
	}
	if cfg.CleanupSpaces != nil {
		opts.CleanupSpaces = *cfg.CleanupSpaces
	}

	return NewBPE(vocab, merges, opts)
}

func readTokenizerJSON(path string) (*tokenizerJSON, error) {
	var tj tokenizerJSON
	if err := readJSON(path, &tj); err != nil {
		return nil, err
	}
	if t := strings.ToUpper(tj.Model.Type); t != "" && t != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model: %s", tj.Model.Type)
	}
	if len(tj.Model.Vocab) == 0 {
		return nil, fmt.Errorf("%s: empty vocabulary", path)
	}
	return &tj, nil
}

// parseMerges accepts both "a b" strings and ["a", "b"] pairs.
func parseMerges(raw []json.RawMessage) ([]string, error) {
	out := make([]string, 0, len(raw))
	for i, m := range raw {
		var s string
		if err := json.Unmarshal(m, &s); err == nil {
			out = append(out, s)
			continue
		}
		var pair []string
		if err := json.Unmarshal(m, &pair); err != nil || len(pair) != 2 {
			return nil, fmt.Errorf("merge %d: expected string or pair", i)
		}
		out = append(out, pair[0]+" "+pair[1])
	}
	return out, nil
}

// splitRegex returns a Split pre-tokenizer regex if one is configured, or ""
// for the GPT-2 default.
func splitRegex(p *preTokenizer) string {
	if p == nil {
		return ""
	}
	if p.Type == "Split" && p.Pattern != nil {
		return p.Pattern.Regex
	}
	for i := range p.Pretokenizers {
		if re := splitRegex(&p.Pretokenizers[i]); re != "" {
			return re
		}
	}
	return ""
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
