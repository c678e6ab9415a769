package filetype

import "strings"

// FileType is the canonical classification of a submitted filename.
type FileType string

const (
	FASTQ       FileType = "FASTQ"
	BAM         FileType = "BAM"
	BAMIndex    FileType = "BAM_INDEX"
	VCF         FileType = "VCF"
	VCFIndex    FileType = "VCF_INDEX"
	CRAM        FileType = "CRAM"
	CRAMIndex   FileType = "CRAM_INDEX"
	Manifest    FileType = "MANIFEST"
	Unsupported FileType = "UNSUPPORTED"
)

// suffixes are checked in order; longer suffixes first where they overlap.
var suffixes = []struct {
	suffix string
	ft     FileType
}{
	{".fastq.gz", FASTQ},
	{".fq.gz", FASTQ},
	{".fastq", FASTQ},
	{".fq", FASTQ},
	{".bam", BAM},
	{".bai", BAMIndex},
	{".vcf.gz", VCF},
	{".vcf", VCF},
	{".tbi", VCFIndex},
	{".cram", CRAM},
	{".crai", CRAMIndex},
	{"manifest.txt", Manifest},
	{"manifest.orig", Manifest},
}

// FromFilename classifies a filename or object key by suffix.
func FromFilename(name string) FileType {
	lower := strings.ToLower(name)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s.suffix) {
			return s.ft
		}
	}
	return Unsupported
}

// IsIndexable reports whether an index can be generated for the type.
func (ft FileType) IsIndexable() bool {
	return ft == BAM || ft == CRAM || ft == VCF
}

// IsCompressable reports whether the type is stored compressed.
func (ft FileType) IsCompressable() bool {
	return ft == FASTQ || ft == VCF
}

// IsIndex reports whether the type is an index file.
func (ft FileType) IsIndex() bool {
	return ft == BAMIndex || ft == VCFIndex || ft == CRAMIndex
}

// IsSupported reports whether the type is anything other than UNSUPPORTED.
func (ft FileType) IsSupported() bool {
	return ft != Unsupported
}

// IsCompressedFile reports whether the name carries a .gz suffix.
func IsCompressedFile(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".gz")
}

// IsManifest reports whether the name is a manifest.txt or manifest.orig.
func IsManifest(name string) bool {
	return FromFilename(name) == Manifest
}

// IsMD5 reports whether the name is a checksum sidecar.
func IsMD5(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".md5")
}

// IsIndex reports whether the name is classified as an index file.
func IsIndex(name string) bool {
	return FromFilename(name).IsIndex()
}
