package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCodeFormat(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		assert.True(t, ValidCode(code), code)
		seen[code] = struct{}{}
	}
	assert.Greater(t, len(seen), 45)
}

func TestValidCode(t *testing.T) {
	assert.True(t, ValidCode("FILE-0A1B2C3D"))
	assert.False(t, ValidCode("FILE-0a1b2c3d"))
	assert.False(t, ValidCode("FILE-0A1B2C3"))
	assert.False(t, ValidCode("DOC-0A1B2C3D"))
}

func TestBuildFileName(t *testing.T) {
	cases := map[string]string{
		"Invoice 2024.PDF":         "Invoice-2024-FILE-0000000A.pdf",
		"../../etc/passwd":         "passwd-FILE-0000000A",
		"contrato final (v2).docx": "contrato-final-v2-FILE-0000000A.docx",
		".pdf":                     "file-FILE-0000000A.pdf",
		"C:\\Users\\me\\scan.jpeg": "scan-FILE-0000000A.jpeg",
		"report..tar.gz":           "report-tar-FILE-0000000A.gz",
	}
	for input, expected := range cases {
		assert.Equal(t, expected, BuildFileName(input, "FILE-0000000A"), input)
	}
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", Fingerprint(nil))
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", Fingerprint([]byte("hello")))
}
