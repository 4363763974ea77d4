package features

// Matrix 8 位灰度矩阵，行优先存储
type Matrix struct {
	Rows int
	Cols int
	Pix  []uint8
}

// NewMatrix 创建全零矩阵
func NewMatrix(rows, cols int) *Matrix {
	return &Matrix{
		Rows: rows,
		Cols: cols,
		Pix:  make([]uint8, rows*cols),
	}
}

// At 读取 (i, j)
func (m *Matrix) At(i, j int) uint8 {
	return m.Pix[i*m.Cols+j]
}

// Set 写入 (i, j)
func (m *Matrix) Set(i, j int, v uint8) {
	m.Pix[i*m.Cols+j] = v
}

// Row 第 i 行（共享底层存储）
func (m *Matrix) Row(i int) []uint8 {
	return m.Pix[i*m.Cols : (i+1)*m.Cols]
}

// IsSquare 是否为 dims×dims
func (m *Matrix) IsSquare(dims int) bool {
	return m != nil && m.Rows == dims && m.Cols == dims && len(m.Pix) == dims*dims
}

// Resize 将矩阵按行优先展开后循环填充到 rows×cols
// 目标更大时从头重复，更小时截断；源为空时结果全零
func Resize(m *Matrix, rows, cols int) *Matrix {
	out := NewMatrix(rows, cols)
	if len(m.Pix) == 0 {
		return out
	}
	for k := range out.Pix {
		out.Pix[k] = m.Pix[k%len(m.Pix)]
	}
	return out
}
