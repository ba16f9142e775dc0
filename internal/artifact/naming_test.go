package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizePrefix(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		in   string
		want string
	}{
		"plain":        {"cat", "cat"},
		"truncated":    {"a cat sitting on a mat", "a_cat_sitt"},
		"unsafe":       {`a<b>c:d"e`, "a_b_c_d_e"},
		"slashes":      {`x/y\z|w?*`, "x_y_z_w__"},
		"whitespace":   {"a \t\n b", "a_b"},
		"dots trimmed": {"...cat...", "cat"},
		"empty":        {"   ", DefaultName},
		"only dots":    {"....", DefaultName},
		"runes":        {"一只猫坐在垫子上面的照片很好看", "一只猫坐在垫子上面的"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, SanitizePrefix(tc.in))
		})
	}
}

func TestFileNameAndPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "3_cat_img2.jpg", FileName(3, "cat", 2))
	assert.Equal(t, "book/3_cat_img2.jpg", ObjectPath("book", FileName(3, "cat", 2)))
	assert.Equal(t, "3_cat_img1.jpg", ObjectPath("", FileName(3, "cat", 1)))
}
