package accumulator

// chunkLen returns size*nmemb, or false when the product is negative,
// overflows, or exceeds the bytes actually available in ptr.
func chunkLen(ptr []byte, size, nmemb int) (int, bool) {
	if size < 0 || nmemb < 0 {
		return 0, false
	}
	n := size * nmemb
	if nmemb != 0 && n/nmemb != size {
		return 0, false
	}
	if n > len(ptr) {
		return 0, false
	}
	return n, true
}

// WriteCallback appends size*nmemb bytes of ptr to the *BodyBuffer passed
// as userdata. It returns the number of bytes consumed; anything short of
// size*nmemb tells the engine to abort the transfer.
func WriteCallback(ptr []byte, size, nmemb int, userdata any) int {
	buf, ok := userdata.(*BodyBuffer)
	if !ok || buf == nil {
		return 0
	}
	n, ok := chunkLen(ptr, size, nmemb)
	if !ok {
		return 0
	}
	consumed, err := buf.Append(ptr[:n])
	if err != nil {
		return 0
	}
	return consumed
}

// HeaderCallback stores size*nmemb bytes of ptr as one entry of the
// *HeaderCollection passed as userdata, with the same return contract as
// WriteCallback.
func HeaderCallback(ptr []byte, size, nmemb int, userdata any) int {
	headers, ok := userdata.(*HeaderCollection)
	if !ok || headers == nil {
		return 0
	}
	n, ok := chunkLen(ptr, size, nmemb)
	if !ok {
		return 0
	}
	consumed, err := headers.AppendLine(ptr[:n])
	if err != nil {
		return 0
	}
	return consumed
}
