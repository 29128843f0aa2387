package chunk

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const responseHead = "HTTP/1.1 200 OK\r\n" +
	"Api-Version: 1.43\r\n" +
	"Content-Type: application/json\r\n" +
	"Docker-Experimental: false\r\n" +
	"Ostype: linux\r\n" +
	"Server: Docker/24.0.5 (linux)\r\n" +
	"Transfer-Encoding: chunked\r\n" +
	"\r\n"

// frame encodes one progress line the way the daemon does: the JSON object
// and its newline form the chunk data.
func frame(payload string) string {
	data := payload + "\n"
	return fmt.Sprintf("%x\r\n%s\r\n", len(data), data)
}

func body(payloads ...string) string {
	var b strings.Builder
	b.WriteString(responseHead)
	for _, p := range payloads {
		b.WriteString(frame(p))
	}
	b.WriteString("0\r\n\r\n")
	return b.String()
}

var progressLines = []string{
	`{"status":"Pulling from library/alpine","id":"latest"}`,
	`{"status":"Pulling fs layer","progressDetail":{},"id":"4abcf2066143"}`,
	`{"status":"Downloading","progressDetail":{"current":32768,"total":3408729},"progress":"[>   ]  32.77kB/3.409MB","id":"4abcf2066143"}`,
	`{"status":"Pull complete","progressDetail":{},"id":"4abcf2066143"}`,
	`{"status":"Status: Downloaded newer image for alpine:latest"}`,
}

func TestDecode(t *testing.T) {
	t.Run("frames before terminator", func(t *testing.T) {
		frames, rest, done := Decode([]byte(body(progressLines...)))

		require.Len(t, frames, len(progressLines))
		assert.True(t, done)
		assert.Empty(t, rest)
		for i, f := range frames {
			require.NoError(t, f.Err)
			assert.JSONEq(t, progressLines[i], string(f.Payload))
		}
	})

	t.Run("stops at zero size chunk", func(t *testing.T) {
		input := frame(`{"id":"a"}`) + "0\r\n\r\n" + frame(`{"id":"b"}`)

		frames, rest, done := Decode([]byte(input))

		require.Len(t, frames, 1)
		assert.True(t, done)
		assert.Empty(t, rest)
		assert.Equal(t, "a", frames[0].Value.(map[string]any)["id"])
	})

	t.Run("bare newline framing", func(t *testing.T) {
		input := "a\n{\"id\":\"L1\",\"status\":\"Downloading\"}\n" +
			"b\n{\"id\":\"L1\",\"status\":\"Extracting\"}\n" +
			"0\n"

		frames, _, done := Decode([]byte(input))

		require.Len(t, frames, 2)
		assert.True(t, done)
		assert.Equal(t, uint64(10), frames[0].Size)
		assert.Equal(t, uint64(11), frames[1].Size)
	})

	t.Run("malformed payload is reported per frame", func(t *testing.T) {
		input := frame(`{"id":"a"`) + frame(`{"id":"b"}`) + frame(`{"id":"c"} trailing`)

		frames, _, done := Decode([]byte(input))

		require.Len(t, frames, 3)
		assert.False(t, done)
		assert.Error(t, frames[0].Err)
		assert.NoError(t, frames[1].Err)
		assert.Error(t, frames[2].Err)
	})

	t.Run("chunk extensions are ignored", func(t *testing.T) {
		frames, _, _ := Decode([]byte("b;name=value\r\n{\"id\":\"x\"}\r\n"))

		require.Len(t, frames, 1)
		assert.Equal(t, uint64(11), frames[0].Size)
	})

	t.Run("numbers keep their precision", func(t *testing.T) {
		frames, _, _ := Decode([]byte(frame(`{"id":"x","progressDetail":{"total":9007199254740993}}`)))

		require.Len(t, frames, 1)
		detail := frames[0].Value.(map[string]any)["progressDetail"].(map[string]any)
		assert.Equal(t, json.Number("9007199254740993"), detail["total"])
	})

	t.Run("partial size line is left over", func(t *testing.T) {
		frames, rest, done := Decode([]byte(frame(`{"id":"a"}`) + "1f"))

		assert.Len(t, frames, 1)
		assert.False(t, done)
		assert.Equal(t, "1f", string(rest))
	})

	t.Run("partial payload keeps its size line", func(t *testing.T) {
		frames, rest, _ := Decode([]byte("1f\r\n{\"id\":\"a\",\"sta"))

		assert.Empty(t, frames)
		assert.Equal(t, "1f\r\n{\"id\":\"a\",\"sta", string(rest))
	})
}

func TestDecoder_Feed(t *testing.T) {
	full := []byte(body(progressLines...))

	t.Run("every split point decodes each frame once", func(t *testing.T) {
		for i := 0; i <= len(full); i++ {
			d := NewDecoder()

			first, err := d.Feed(full[:i])
			require.NoError(t, err)
			second, err := d.Feed(full[i:])
			require.NoError(t, err)

			frames := append(first, second...)
			require.Len(t, frames, len(progressLines), "split at %d", i)
			for j, f := range frames {
				require.NoError(t, f.Err, "split at %d frame %d", i, j)
			}
			assert.True(t, d.Done(), "split at %d", i)
			assert.Zero(t, d.Pending())
		}
	})

	t.Run("byte at a time", func(t *testing.T) {
		d := NewDecoder()
		var frames []Frame
		for i := range full {
			got, err := d.Feed(full[i : i+1])
			require.NoError(t, err)
			frames = append(frames, got...)
		}
		assert.Len(t, frames, len(progressLines))
		assert.True(t, d.Done())
	})

	t.Run("input after terminator is ignored", func(t *testing.T) {
		d := NewDecoder()
		_, err := d.Feed([]byte(frame(`{"id":"a"}`) + "0\r\n\r\n"))
		require.NoError(t, err)

		frames, err := d.Feed([]byte(frame(`{"id":"b"}`)))
		require.NoError(t, err)
		assert.Empty(t, frames)
	})

	t.Run("oversized carry is dropped", func(t *testing.T) {
		d := NewDecoder()
		huge := "10\r\n" + strings.Repeat("x", MaxCarry)

		_, err := d.Feed([]byte(huge))
		assert.ErrorIs(t, err, ErrCarryOverflow)
		assert.Zero(t, d.Pending())
	})
}
