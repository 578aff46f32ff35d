package sparse

type Posting struct {
	DocID     string
	Frequency int
	Positions []int
}

type PostingList []Posting

type docInfo struct {
	version string
	length  int
	terms   []string
}
