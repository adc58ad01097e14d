package rag

import "strings"

// splitChunks windows text into overlapping word chunks. The cut point
// biases toward the last sentence end past the window midpoint so
// chunks tend to close on complete sentences.
func splitChunks(text string, size, overlap int) []string {
	if size <= 0 {
		size = 500
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if len(words) <= size {
		return []string{strings.Join(words, " ")}
	}

	var chunks []string
	start := 0
	for start < len(words) {
		end := start + size
		if end >= len(words) {
			chunks = append(chunks, strings.Join(words[start:], " "))
			break
		}
		cut := end
		for i := end - 1; i > start+size/2; i-- {
			if endsSentence(words[i]) {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, strings.Join(words[start:cut], " "))
		next := cut - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

func endsSentence(word string) bool {
	if word == "" {
		return false
	}
	switch word[len(word)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
