package features

// Tensor dims×dims×3 的 float32 张量（HWC 排列），元素位于 [0,1]
type Tensor struct {
	Dims int
	Data []float32
}

// At 读取 (i, j, c)
func (t *Tensor) At(i, j, c int) float32 {
	return t.Data[(i*t.Dims+j)*3+c]
}

// ChannelMean 通道均值
func (t *Tensor) ChannelMean(c int) float64 {
	if t.Dims == 0 {
		return 0
	}
	var sum float64
	for k := c; k < len(t.Data); k += 3 {
		sum += float64(t.Data[k])
	}
	return sum / float64(t.Dims*t.Dims)
}

// Nested 转成 [dims][dims][3] 嵌套切片，用于 JSON 推理请求
func (t *Tensor) Nested() [][][]float32 {
	out := make([][][]float32, t.Dims)
	for i := range out {
		out[i] = make([][]float32, t.Dims)
		for j := range out[i] {
			base := (i*t.Dims + j) * 3
			out[i][j] = t.Data[base : base+3 : base+3]
		}
	}
	return out
}

// Compose 沿最后一维堆叠 R/G/B 并除以 255
func Compose(r, g, b *Matrix) (*Tensor, error) {
	if r == nil {
		return nil, &CompositionError{Reason: ReasonShapeMismatch, Channel: ChannelTexture}
	}
	dims := r.Rows
	channels := []struct {
		name Channel
		m    *Matrix
	}{
		{ChannelTexture, r},
		{ChannelOpcode, g},
		{ChannelFuzzyHash, b},
	}
	for _, ch := range channels {
		if !ch.m.IsSquare(dims) {
			err := &CompositionError{Reason: ReasonShapeMismatch, Channel: ch.name, Dims: dims}
			if ch.m != nil {
				err.Rows, err.Cols = ch.m.Rows, ch.m.Cols
			}
			return nil, err
		}
	}

	t := &Tensor{Dims: dims, Data: make([]float32, dims*dims*3)}
	for k := 0; k < dims*dims; k++ {
		t.Data[3*k] = float32(r.Pix[k]) / 255
		t.Data[3*k+1] = float32(g.Pix[k]) / 255
		t.Data[3*k+2] = float32(b.Pix[k]) / 255
	}
	return t, nil
}
