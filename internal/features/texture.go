package features

const (
	// lbpWindow LBP 邻域边长
	lbpWindow = 3

	// minTextureBytes 少于一个完整 3×3 窗口的字节数无法提取纹理
	minTextureBytes = lbpWindow * lbpWindow
)

// ByteSquare 把原始字节按行优先排成 N×N 矩阵，N = ceil(sqrt(len))，末尾补零
func ByteSquare(data []byte) *Matrix {
	n := ceilSqrt(len(data))
	m := NewMatrix(n, n)
	copy(m.Pix, data)
	return m
}

// ceilSqrt 最小的 n 使 n*n >= v
func ceilSqrt(v int) int {
	if v <= 0 {
		return 0
	}
	n := 1
	for n*n < v {
		n <<= 1
	}
	lo, hi := n>>1, n
	for lo < hi {
		mid := (lo + hi) / 2
		if mid*mid >= v {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// LocalBinaryPattern 3×3 滑动窗口的局部二值模式
//
// 窗口内 9 个值按行优先与中心比较（>= 记 1），中心位强制为 0，
// 第一个格子为最高位，结果截断到 255。输出 (H-2)×(W-2)。
func LocalBinaryPattern(img *Matrix) *Matrix {
	h := img.Rows - lbpWindow + 1
	w := img.Cols - lbpWindow + 1
	if h <= 0 || w <= 0 {
		return NewMatrix(0, 0)
	}

	const centerBit = lbpWindow * lbpWindow / 2
	out := NewMatrix(h, w)
	for i := 0; i < h; i++ {
		for j := 0; j < w; j++ {
			center := img.At(i+lbpWindow/2, j+lbpWindow/2)
			code := 0
			for k := 0; k < lbpWindow*lbpWindow; k++ {
				code <<= 1
				if k == centerBit {
					continue
				}
				if img.At(i+k/lbpWindow, j+k%lbpWindow) >= center {
					code |= 1
				}
			}
			if code > 255 {
				code = 255
			}
			out.Pix[i*w+j] = uint8(code)
		}
	}
	return out
}

// TextureChannel 原始字节 → 方阵 → LBP → dims×dims
func TextureChannel(data []byte, dims int) (*Matrix, error) {
	if len(data) < minTextureBytes {
		return nil, channelError(ChannelTexture, ReasonTooSmall, nil)
	}
	lbp := LocalBinaryPattern(ByteSquare(data))
	return Resize(lbp, dims, dims), nil
}
