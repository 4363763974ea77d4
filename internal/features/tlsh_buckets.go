package features

// tlsh 库不导出桶计数，这里按它的滑动窗口规则重算有效桶，用于判定摘要是否有效

const (
	tlshWindow     = 5
	tlshEffBuckets = 128
)

var tlshSalts = [6]byte{2, 3, 5, 7, 11, 13}

// pearsonTable 与 tlsh 库的置换表一致
var pearsonTable = [256]byte{
	1, 87, 49, 12, 176, 178, 102, 166, 121, 193, 6, 84, 249, 230, 44, 163,
	14, 197, 213, 181, 161, 85, 218, 80, 64, 239, 24, 226, 236, 142, 38, 200,
	110, 177, 104, 103, 141, 253, 255, 50, 77, 101, 81, 18, 45, 96, 31, 222,
	25, 107, 190, 70, 86, 237, 240, 34, 72, 242, 20, 214, 244, 227, 149, 235,
	97, 234, 57, 22, 60, 250, 82, 175, 208, 5, 127, 199, 111, 62, 135, 248,
	174, 169, 211, 58, 66, 154, 106, 195, 245, 171, 17, 187, 182, 179, 0, 243,
	132, 56, 148, 75, 128, 133, 158, 100, 130, 126, 91, 13, 153, 246, 216, 219,
	119, 68, 223, 78, 83, 88, 201, 99, 122, 11, 92, 32, 136, 114, 52, 10,
	138, 30, 48, 183, 156, 35, 61, 26, 143, 74, 251, 94, 129, 162, 63, 152,
	170, 7, 115, 167, 241, 206, 3, 150, 55, 59, 151, 220, 90, 53, 23, 131,
	125, 173, 15, 238, 79, 95, 89, 16, 105, 137, 225, 224, 217, 160, 37, 123,
	118, 73, 2, 157, 46, 116, 9, 145, 134, 228, 207, 212, 202, 215, 69, 229,
	27, 188, 67, 124, 168, 252, 42, 4, 29, 108, 21, 247, 19, 205, 39, 203,
	233, 40, 186, 147, 198, 192, 155, 33, 164, 191, 98, 204, 165, 180, 117, 76,
	140, 36, 210, 172, 41, 54, 159, 8, 185, 232, 113, 196, 231, 47, 146, 120,
	51, 65, 28, 144, 254, 221, 93, 189, 194, 139, 112, 43, 71, 109, 184, 209,
}

func pearson(salt, a, b, c byte) byte {
	h := pearsonTable[salt]
	h = pearsonTable[h^a]
	h = pearsonTable[h^b]
	return pearsonTable[h^c]
}

// tlshBuckets 每个 5 字节窗口（c0 为最新字节）的 6 个三元组各计一次
func tlshBuckets(data []byte) [256]uint {
	var buckets [256]uint
	for i := tlshWindow - 1; i < len(data); i++ {
		c0, c1, c2, c3, c4 := data[i], data[i-1], data[i-2], data[i-3], data[i-4]
		buckets[pearson(tlshSalts[0], c0, c1, c2)]++
		buckets[pearson(tlshSalts[1], c0, c1, c3)]++
		buckets[pearson(tlshSalts[2], c0, c2, c3)]++
		buckets[pearson(tlshSalts[3], c0, c2, c4)]++
		buckets[pearson(tlshSalts[4], c0, c1, c4)]++
		buckets[pearson(tlshSalts[5], c0, c3, c4)]++
	}
	return buckets
}

// validBuckets 有效桶中非零桶必须超过一半。
// 这等价于第二四分位点大于 0，q3 == 0 的情况也一并排除。
func validBuckets(data []byte) bool {
	buckets := tlshBuckets(data)
	nonzero := 0
	for _, n := range buckets[:tlshEffBuckets] {
		if n > 0 {
			nonzero++
		}
	}
	return nonzero > tlshEffBuckets/2
}
